package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// DefaultLimit is the fire count applied when a document omits limit.
	DefaultLimit = 1
	// MaxTriggers bounds the trigger list of a single schedule.
	MaxTriggers = 10
)

// TriggerType enumerates the event sources a trigger can count.
type TriggerType string

const (
	TriggerAppInit          TriggerType = "app_init"
	TriggerForeground       TriggerType = "foreground"
	TriggerBackground       TriggerType = "background"
	TriggerActiveSession    TriggerType = "active_session"
	TriggerVersion          TriggerType = "version"
	TriggerCustomEvent      TriggerType = "custom_event"
	TriggerCustomEventCount TriggerType = "custom_event_count"
	TriggerCustomEventValue TriggerType = "custom_event_value"
	TriggerStateChange      TriggerType = "state_change"
)

// IsCustomEvent reports whether t counts analytics events.
func (t TriggerType) IsCustomEvent() bool {
	return t == TriggerCustomEvent || t == TriggerCustomEventCount || t == TriggerCustomEventValue
}

func (t TriggerType) valid() bool {
	switch t {
	case TriggerAppInit, TriggerForeground, TriggerBackground, TriggerActiveSession,
		TriggerVersion, TriggerStateChange:
		return true
	}
	return t.IsCustomEvent()
}

// TriggerSpec declares one condition counted toward Goal.
// Predicate is a condition expression evaluated against the emission payload;
// empty matches every emission.
type TriggerSpec struct {
	Type      TriggerType `json:"type"`
	Goal      float64     `json:"goal"`
	Predicate string      `json:"predicate,omitempty"`
}

// Progress is the in-memory count of a trigger toward its goal.
type Progress struct {
	Count float64 `json:"count"`
	Goal  float64 `json:"goal"`
}

// State is the trigger progress of one schedule as snapshotted to the store.
type State struct {
	Progress       []Progress `cbor:"progress" json:"progress"`
	FireCount      int        `cbor:"fire_count" json:"fire_count"`
	LastFinishedMs int64      `cbor:"last_finished_ms" json:"last_finished_ms,omitempty"`
}

// AppState restricts when a delayed execution may proceed.
type AppState string

const (
	AppStateAny        AppState = "any"
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
)

// Delay postpones execution after a schedule is triggered.
type Delay struct {
	Seconds  int64    `json:"seconds,omitempty"`
	AppState AppState `json:"app_state,omitempty"`
}

// Schedule is a persisted automation unit. Start and End are epoch
// milliseconds; zero means unbounded.
type Schedule struct {
	ID                     string          `json:"id"`
	Data                   Data            `json:"-"`
	Triggers               []TriggerSpec   `json:"triggers"`
	Start                  int64           `json:"start,omitempty"`
	End                    int64           `json:"end,omitempty"`
	IntervalMs             int64           `json:"interval_ms,omitempty"`
	Limit                  int             `json:"limit"`
	Priority               int             `json:"priority"`
	Audience               string          `json:"audience,omitempty"`
	Delay                  *Delay          `json:"delay,omitempty"`
	Metadata               map[string]any  `json:"metadata,omitempty"`
	Campaigns              json.RawMessage `json:"campaigns,omitempty"`
	FrequencyConstraintIDs []string        `json:"frequency_constraint_ids,omitempty"`
	Group                  string          `json:"group,omitempty"`
}

// Type returns the tag of the schedule's data, or "" when unset.
func (s *Schedule) Type() Type {
	if s.Data == nil {
		return ""
	}
	return s.Data.Type()
}

// Ended reports whether the schedule's end has passed at nowMs.
func (s *Schedule) Ended(nowMs int64) bool {
	return s.End > 0 && nowMs > s.End
}

// Started reports whether the schedule's start has been reached at nowMs.
func (s *Schedule) Started(nowMs int64) bool {
	return s.Start == 0 || nowMs >= s.Start
}

// Validate checks the invariants every stored schedule must hold.
func (s *Schedule) Validate() error {
	var errs []string
	if s.ID == "" {
		errs = append(errs, "id is required")
	}
	if s.Data == nil {
		errs = append(errs, "data is required")
	}
	if len(s.Triggers) == 0 || len(s.Triggers) > MaxTriggers {
		errs = append(errs, fmt.Sprintf("must have 1-%d triggers, got %d", MaxTriggers, len(s.Triggers)))
	}
	for i, t := range s.Triggers {
		if !t.Type.valid() {
			errs = append(errs, fmt.Sprintf("triggers[%d]: unknown type %q", i, t.Type))
		}
		if t.Goal < 1 {
			errs = append(errs, fmt.Sprintf("triggers[%d]: goal must be >= 1, got %v", i, t.Goal))
		}
	}
	if s.IntervalMs < 0 {
		errs = append(errs, "interval must be >= 0")
	}
	if s.Limit < 0 {
		errs = append(errs, "limit must be >= 0")
	}
	if s.Start > 0 && s.End > 0 && s.Start > s.End {
		errs = append(errs, fmt.Sprintf("start %d is after end %d", s.Start, s.End))
	}
	if len(errs) > 0 {
		return fmt.Errorf("schedule %q: %s", s.ID, strings.Join(errs, "; "))
	}
	return nil
}

// Clone returns a copy that shares no mutable containers with s.
func (s *Schedule) Clone() *Schedule {
	c := *s
	c.Triggers = append([]TriggerSpec(nil), s.Triggers...)
	c.FrequencyConstraintIDs = append([]string(nil), s.FrequencyConstraintIDs...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.Delay != nil {
		d := *s.Delay
		c.Delay = &d
	}
	if s.Campaigns != nil {
		c.Campaigns = append(json.RawMessage(nil), s.Campaigns...)
	}
	return &c
}

type scheduleJSON struct {
	Type Type            `json:"type"`
	Body json.RawMessage `json:"data"`
	*scheduleAlias
}

type scheduleAlias Schedule

// MarshalJSON writes the schedule with its data variant tagged by "type".
func (s *Schedule) MarshalJSON() ([]byte, error) {
	body, err := MarshalData(s.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(scheduleJSON{Type: s.Type(), Body: body, scheduleAlias: (*scheduleAlias)(s)})
}

// UnmarshalJSON reverses MarshalJSON.
func (s *Schedule) UnmarshalJSON(b []byte) error {
	aux := scheduleJSON{scheduleAlias: (*scheduleAlias)(s)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	d, err := UnmarshalData(aux.Type, aux.Body)
	if err != nil {
		return err
	}
	s.Data = d
	return nil
}
