package schedule

import (
	"encoding/json"
	"fmt"
)

// Type tags the Data variant carried by a schedule.
type Type string

const (
	TypeActions      Type = "actions"
	TypeInAppMessage Type = "in_app_message"
	TypeDeferred     Type = "deferred"
)

// Valid reports whether t names a known variant.
func (t Type) Valid() bool {
	switch t {
	case TypeActions, TypeInAppMessage, TypeDeferred:
		return true
	}
	return false
}

// Data is the tagged union delivered when a schedule fires.
// Implementations: Actions, InAppMessage, Deferred.
type Data interface {
	Type() Type
	dataNode()
}

// Actions is a set of named actions and their JSON arguments.
type Actions map[string]json.RawMessage

func (Actions) Type() Type { return TypeActions }
func (Actions) dataNode()  {}

// InAppMessage is display content handed to the rendering layer untouched.
type InAppMessage struct {
	Name        string          `json:"name,omitempty"`
	DisplayType string          `json:"display_type,omitempty"`
	Display     json.RawMessage `json:"display,omitempty"`
	Actions     json.RawMessage `json:"actions,omitempty"`
	Extras      map[string]any  `json:"extra,omitempty"`
	Source      string          `json:"source,omitempty"`
}

func (*InAppMessage) Type() Type { return TypeInAppMessage }
func (*InAppMessage) dataNode()  {}

// Deferred content is resolved by a request to URL at fire time.
type Deferred struct {
	URL            string `json:"url"`
	RetryOnTimeout bool   `json:"retry_on_timeout,omitempty"`
}

func (*Deferred) Type() Type { return TypeDeferred }
func (*Deferred) dataNode()  {}

// MarshalData encodes the body of d without its type tag.
func MarshalData(d Data) (json.RawMessage, error) {
	if d == nil {
		return nil, fmt.Errorf("schedule data is nil")
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", d.Type(), err)
	}
	return raw, nil
}

// UnmarshalData decodes a body for the variant named by t.
func UnmarshalData(t Type, raw json.RawMessage) (Data, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%s data is missing", t)
	}
	switch t {
	case TypeActions:
		var a Actions
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode actions: %w", err)
		}
		if a == nil {
			a = Actions{}
		}
		return a, nil
	case TypeInAppMessage:
		var m InAppMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode in-app message: %w", err)
		}
		return &m, nil
	case TypeDeferred:
		var d Deferred
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode deferred: %w", err)
		}
		if d.URL == "" {
			return nil, fmt.Errorf("deferred: url is required")
		}
		return &d, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", t)
	}
}
