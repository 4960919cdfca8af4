package scheduler

import (
	"sync"
	"testing"
	"time"

	"taskgrid/pkg/logx"
)

func TestWorkerPool_AdmissionControl(t *testing.T) {
	t.Parallel()
	const capacity = 2
	p := NewWorkerPool(capacity, logx.Nop())

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(capacity)
	block := func() {
		started.Done()
		<-release
	}

	for i := 0; i < capacity; i++ {
		if !p.Submit(block) {
			t.Fatalf("submission %d rejected below capacity", i)
		}
	}
	started.Wait()

	// Saturated: the next submission must be rejected, not queued.
	if p.Submit(func() {}) {
		t.Fatal("submission accepted beyond capacity")
	}
	if got := p.Running(); got != capacity {
		t.Fatalf("running = %d, want %d", got, capacity)
	}

	close(release)
	// After workers drain, a new submission succeeds again.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if p.Submit(func() {}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pool never freed a permit after workers finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerPool_BlockForAvailableWorkers(t *testing.T) {
	t.Parallel()
	p := NewWorkerPool(3, logx.Nop())
	if free := p.BlockForAvailableWorkers(); free != 3 {
		t.Fatalf("idle pool headroom = %d, want 3", free)
	}

	release := make(chan struct{})
	ready := make(chan struct{})
	p.Submit(func() { close(ready); <-release })
	<-ready

	if free := p.BlockForAvailableWorkers(); free != 2 {
		t.Fatalf("headroom with one busy worker = %d, want 2", free)
	}
	close(release)
}

func TestWorkerPool_SurvivesPanics(t *testing.T) {
	t.Parallel()
	p := NewWorkerPool(1, logx.Nop())
	if !p.Submit(func() { panic("boom") }) {
		t.Fatal("submission rejected")
	}
	// The permit must come back despite the panic.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if p.Submit(func() {}) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("permit lost after panic")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerPool_Shutdown(t *testing.T) {
	t.Parallel()
	p := NewWorkerPool(2, logx.Nop())

	release := make(chan struct{})
	ready := make(chan struct{})
	p.Submit(func() { close(ready); <-release })
	<-ready

	// In-flight work outlives the timeout; shutdown reports false.
	if p.Shutdown(20 * time.Millisecond) {
		t.Fatal("shutdown reported clean with work in flight")
	}
	// New work is rejected after shutdown.
	if p.Submit(func() {}) {
		t.Fatal("submission accepted after shutdown")
	}
	close(release)
	if !p.Shutdown(time.Second) {
		t.Fatal("shutdown did not complete after workers drained")
	}
}
