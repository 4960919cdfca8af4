package scheduling

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Reserved attribute keys. The dot prefix keeps them out of the way of
// type-specific parameters, which may use any undotted key.
const (
	// KeyLimitNode restricts execution of the task to one cluster member.
	KeyLimitNode = ".limitNode"

	keyID          = ".id"
	keyTypeID      = ".typeId"
	keyTypeName    = ".typeName"
	keyName        = ".name"
	keyEnabled     = ".enabled"
	keyVisible     = ".visible"
	keyRecoverable = ".recoverable"
	keyCreated     = ".created"
	keyUpdated     = ".updated"

	keyLastRunEndState = ".lastRunState.endState"
	keyLastRunStarted  = ".lastRunState.runStarted"
	keyLastRunDuration = ".lastRunState.runDuration"
)

// TaskConfiguration is the persisted parameter set of a task instance: what
// to run and with which parameters. It must Validate() before any scheduling
// call; a missing id or type id is a caller error, not a runtime fault.
type TaskConfiguration struct {
	ID          string
	TypeID      string
	TypeName    string
	Name        string
	Enabled     bool
	Visible     bool
	Recoverable bool
	Created     time.Time
	Updated     time.Time

	// Attributes carries type-specific parameters plus reserved keys.
	Attributes map[string]string
}

// NewTaskConfiguration seeds a configuration from a descriptor's defaults.
func NewTaskConfiguration(id string, desc Descriptor) TaskConfiguration {
	now := time.Now()
	return TaskConfiguration{
		ID:          id,
		TypeID:      desc.TypeID,
		TypeName:    desc.Name,
		Name:        desc.Name,
		Enabled:     true,
		Visible:     desc.Visible,
		Recoverable: desc.Recoverable,
		Created:     now,
		Updated:     now,
	}
}

func (c TaskConfiguration) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.TypeID) == "" {
		return fmt.Errorf("%w: missing type id", ErrInvalidConfig)
	}
	return nil
}

// TaskLogName is the human-readable name used in log lines.
func (c TaskConfiguration) TaskLogName() string {
	name := c.Name
	if name == "" {
		name = c.TypeID
	}
	return fmt.Sprintf("'%s' [%s]", name, c.TypeID)
}

func (c TaskConfiguration) Attribute(key string) string {
	return c.Attributes[key]
}

func (c *TaskConfiguration) SetAttribute(key, value string) {
	if c.Attributes == nil {
		c.Attributes = map[string]string{}
	}
	if value == "" {
		delete(c.Attributes, key)
		return
	}
	c.Attributes[key] = value
}

// LimitNodeID returns the node-affinity member id, empty when unrestricted.
func (c TaskConfiguration) LimitNodeID() string { return c.Attributes[KeyLimitNode] }

func (c *TaskConfiguration) SetLimitNodeID(nodeID string) {
	c.SetAttribute(KeyLimitNode, nodeID)
}

// HasLastRunState reports whether a completed run has been recorded.
func (c TaskConfiguration) HasLastRunState() bool {
	return c.Attributes[keyLastRunEndState] != ""
}

// LastRunState decodes the recorded last run, if any.
func (c TaskConfiguration) LastRunState() (LastRunState, bool) {
	end := c.Attributes[keyLastRunEndState]
	if end == "" {
		return LastRunState{}, false
	}
	startedMS, _ := strconv.ParseInt(c.Attributes[keyLastRunStarted], 10, 64)
	durMS, _ := strconv.ParseInt(c.Attributes[keyLastRunDuration], 10, 64)
	return LastRunState{
		EndState:    EndState(end),
		RunStarted:  time.UnixMilli(startedMS),
		RunDuration: time.Duration(durMS) * time.Millisecond,
	}, true
}

func (c *TaskConfiguration) SetLastRunState(end EndState, started time.Time, dur time.Duration) {
	c.SetAttribute(keyLastRunEndState, string(end))
	c.SetAttribute(keyLastRunStarted, strconv.FormatInt(started.UnixMilli(), 10))
	c.SetAttribute(keyLastRunDuration, strconv.FormatInt(dur.Milliseconds(), 10))
}

// Apply overlays the caller-editable parts of other onto c and returns the
// result. Run bookkeeping (last-run state) is kept from c: a replicated
// configuration update must not erase what this node recorded about runs.
func (c TaskConfiguration) Apply(other TaskConfiguration) TaskConfiguration {
	out := other.Clone()
	out.Created = c.Created
	if lrs, ok := c.LastRunState(); ok && !out.HasLastRunState() {
		out.SetLastRunState(lrs.EndState, lrs.RunStarted, lrs.RunDuration)
	}
	return out
}

func (c TaskConfiguration) Clone() TaskConfiguration {
	out := c
	if c.Attributes != nil {
		out.Attributes = maps.Clone(c.Attributes)
	}
	return out
}

// ToMap flattens the configuration into the string-keyed bag persisted as
// job data. Reserved keys are dot-prefixed; everything else passes through.
func (c TaskConfiguration) ToMap() map[string]string {
	m := make(map[string]string, len(c.Attributes)+10)
	maps.Copy(m, c.Attributes)
	m[keyID] = c.ID
	m[keyTypeID] = c.TypeID
	setOpt(m, keyTypeName, c.TypeName)
	setOpt(m, keyName, c.Name)
	m[keyEnabled] = strconv.FormatBool(c.Enabled)
	m[keyVisible] = strconv.FormatBool(c.Visible)
	m[keyRecoverable] = strconv.FormatBool(c.Recoverable)
	setOptTime(m, keyCreated, c.Created)
	setOptTime(m, keyUpdated, c.Updated)
	return m
}

// ConfigurationFromMap is the inverse of ToMap.
func ConfigurationFromMap(m map[string]string) TaskConfiguration {
	c := TaskConfiguration{
		ID:          m[keyID],
		TypeID:      m[keyTypeID],
		TypeName:    m[keyTypeName],
		Name:        m[keyName],
		Enabled:     m[keyEnabled] == "true",
		Visible:     m[keyVisible] == "true",
		Recoverable: m[keyRecoverable] == "true",
		Created:     parseOptTime(m[keyCreated]),
		Updated:     parseOptTime(m[keyUpdated]),
	}
	for k, v := range m {
		switch k {
		case keyID, keyTypeID, keyTypeName, keyName, keyEnabled, keyVisible,
			keyRecoverable, keyCreated, keyUpdated:
			continue
		}
		c.SetAttribute(k, v)
	}
	return c
}

func setOpt(m map[string]string, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func setOptTime(m map[string]string, key string, t time.Time) {
	if !t.IsZero() {
		m[key] = strconv.FormatInt(t.UnixMilli(), 10)
	}
}

func parseOptTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
