package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskgrid/internal/eventbus"
	"taskgrid/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteStore persists jobs and triggers in a SQLite database and publishes
// a change event on the bus after every successful mutation, tagged with the
// local node id so peers can tell remote changes from their own echo.
type SQLiteStore struct {
	db     *sql.DB
	log    logx.Logger
	bus    eventbus.Bus
	nodeID string
}

// OpenSQLite initializes the store, creating the schema if needed.
func OpenSQLite(cfg Config, nodeID string, bus eventbus.Bus, log logx.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &SQLiteStore{db: db, log: log, bus: bus, nodeID: nodeID}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Jobs ----

func (s *SQLiteStore) CreateJob(ctx context.Context, j Job) error {
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = time.Now()
	}
	data, err := encodeData(j.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(key, name, recoverable, paused, data, updated_at)
		 VALUES(?,?,?,?,?,?)`,
		string(j.Key), j.Name, boolInt(j.Recoverable), boolInt(j.Paused), data, j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	s.publishJob(eventbus.TopicJobCreated, j)
	return nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, j Job) error {
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = time.Now()
	}
	data, err := encodeData(j.Data)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET name=?, recoverable=?, paused=?, data=?, updated_at=? WHERE key=?`,
		j.Name, boolInt(j.Recoverable), boolInt(j.Paused), data, j.UpdatedAt.UnixMilli(), string(j.Key),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not found", j.Key)
	}
	s.publishJob(eventbus.TopicJobUpdated, j)
	return nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, key JobKey) (bool, error) {
	j, ok, err := s.GetJob(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE key=?`, string(key))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	s.publishJob(eventbus.TopicJobDeleted, j)
	return true, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, key JobKey) (Job, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, name, recoverable, paused, data, updated_at FROM jobs WHERE key=?`, string(key))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx,
		`SELECT key, name, recoverable, paused, data, updated_at FROM jobs ORDER BY key`)
}

func (s *SQLiteStore) JobsByName(ctx context.Context, name string) ([]Job, error) {
	return s.queryJobs(ctx,
		`SELECT key, name, recoverable, paused, data, updated_at FROM jobs WHERE name=? ORDER BY key`, name)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, q string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var (
		j           Job
		key, data   string
		recov, paus int
		updated     int64
	)
	if err := r.Scan(&key, &j.Name, &recov, &paus, &data, &updated); err != nil {
		return Job{}, err
	}
	j.Key = JobKey(key)
	j.Recoverable = recov != 0
	j.Paused = paus != 0
	j.UpdatedAt = time.UnixMilli(updated)
	m, err := decodeData(data)
	if err != nil {
		return Job{}, err
	}
	j.Data = m
	return j, nil
}

// ---- Triggers ----

const triggerCols = `key, job_key, kind, start_at, cron_expr, every_ms, limit_node,
	next_fire, prev_fire, description, data, updated_at`

func (s *SQLiteStore) CreateTrigger(ctx context.Context, t Trigger) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	data, err := encodeData(t.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers(`+triggerCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(t.Key), string(t.JobKey), t.Kind, msOrZero(t.StartAt), t.CronExpr,
		t.Every.Milliseconds(), t.LimitNode, msOrZero(t.NextFire), msOrZero(t.PrevFire),
		t.Description, data, t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	s.publishTrigger(eventbus.TopicTriggerCreated, t)
	return nil
}

func (s *SQLiteStore) UpdateTrigger(ctx context.Context, t Trigger) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	data, err := encodeData(t.Data)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET job_key=?, kind=?, start_at=?, cron_expr=?, every_ms=?,
		 limit_node=?, next_fire=?, prev_fire=?, description=?, data=?, updated_at=?
		 WHERE key=?`,
		string(t.JobKey), t.Kind, msOrZero(t.StartAt), t.CronExpr, t.Every.Milliseconds(),
		t.LimitNode, msOrZero(t.NextFire), msOrZero(t.PrevFire), t.Description, data,
		t.UpdatedAt.UnixMilli(), string(t.Key),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trigger %s not found", t.Key)
	}
	s.publishTrigger(eventbus.TopicTriggerUpdated, t)
	return nil
}

func (s *SQLiteStore) DeleteTrigger(ctx context.Context, key JobKey) (bool, error) {
	t, ok, err := s.GetTrigger(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE key=?`, string(key))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	s.publishTrigger(eventbus.TopicTriggerDeleted, t)
	return true, nil
}

func (s *SQLiteStore) GetTrigger(ctx context.Context, key JobKey) (Trigger, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+triggerCols+` FROM triggers WHERE key=?`, string(key))
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Trigger{}, false, nil
	}
	if err != nil {
		return Trigger{}, false, err
	}
	return t, true, nil
}

func (s *SQLiteStore) ListTriggers(ctx context.Context) ([]Trigger, error) {
	return s.queryTriggers(ctx, `SELECT `+triggerCols+` FROM triggers ORDER BY key`)
}

func (s *SQLiteStore) TriggersForJob(ctx context.Context, jobKey JobKey) ([]Trigger, error) {
	return s.queryTriggers(ctx,
		`SELECT `+triggerCols+` FROM triggers WHERE job_key=? ORDER BY key`, string(jobKey))
}

func (s *SQLiteStore) DueTriggers(ctx context.Context, now time.Time) ([]Trigger, error) {
	return s.queryTriggers(ctx,
		`SELECT `+triggerCols+` FROM triggers WHERE next_fire > 0 AND next_fire <= ? ORDER BY next_fire`,
		now.UnixMilli())
}

func (s *SQLiteStore) ClaimTrigger(ctx context.Context, key JobKey, expectedNext, next, prev time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET next_fire=?, prev_fire=?, updated_at=? WHERE key=? AND next_fire=?`,
		msOrZero(next), msOrZero(prev), time.Now().UnixMilli(), string(key), msOrZero(expectedNext),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if t, ok, err := s.GetTrigger(ctx, key); err == nil && ok {
		s.publishTrigger(eventbus.TopicTriggerUpdated, t)
	}
	return true, nil
}

func (s *SQLiteStore) queryTriggers(ctx context.Context, q string, args ...any) ([]Trigger, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrigger(r rowScanner) (Trigger, error) {
	var (
		t                          Trigger
		key, jobKey, data          string
		startAt, everyMS, nextFire int64
		prevFire, updated          int64
	)
	if err := r.Scan(&key, &jobKey, &t.Kind, &startAt, &t.CronExpr, &everyMS,
		&t.LimitNode, &nextFire, &prevFire, &t.Description, &data, &updated); err != nil {
		return Trigger{}, err
	}
	t.Key = JobKey(key)
	t.JobKey = JobKey(jobKey)
	t.StartAt = timeOrZero(startAt)
	t.Every = time.Duration(everyMS) * time.Millisecond
	t.NextFire = timeOrZero(nextFire)
	t.PrevFire = timeOrZero(prevFire)
	t.UpdatedAt = time.UnixMilli(updated)
	m, err := decodeData(data)
	if err != nil {
		return Trigger{}, err
	}
	t.Data = m
	return t, nil
}

// ---- Node task-state snapshots ----

func (s *SQLiteStore) UpsertNodeState(ctx context.Context, nodeID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_tasks(node_id, payload, updated_at) VALUES(?,?,?)
		 ON CONFLICT(node_id) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		nodeID, string(payload), time.Now().UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) ListNodeStates(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, payload FROM node_tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var node, payload string
		if err := rows.Scan(&node, &payload); err != nil {
			return nil, err
		}
		out[node] = []byte(payload)
	}
	return out, rows.Err()
}

// ---- Helpers ----

func (s *SQLiteStore) publishJob(topic eventbus.Topic, j Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Data: JobEvent{Job: j, Origin: s.nodeID}})
}

func (s *SQLiteStore) publishTrigger(topic eventbus.Topic, t Trigger) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Data: TriggerEvent{Trigger: t, Origin: s.nodeID}})
}

func encodeData(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeData(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
