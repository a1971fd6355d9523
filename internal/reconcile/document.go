package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/automation/internal/condition"
	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// ParseError reports a schedule document that was skipped. The rest of the
// payload is still reconciled.
type ParseError struct {
	Index int
	ID    string
	Err   error
}

func (e *ParseError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("schedule #%d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("schedule #%d %q: %v", e.Index, e.ID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errDuplicateID = errors.New("duplicate id superseded by a newer document")

// Body keys of the tagged document format.
var bodyKeys = map[schedule.Type]string{
	schedule.TypeActions:      "actions",
	schedule.TypeInAppMessage: "message",
	schedule.TypeDeferred:     "deferred",
}

// document is one parsed schedule entry of a payload.
type document struct {
	index       int
	id          string
	created     int64
	lastUpdated int64
	triggers    []schedule.TriggerSpec
	// edits carries every field present in the document; absent fields
	// stay Unset and explicit nulls become Clear.
	edits schedule.Edits
}

// parseDocument decodes one entry. Untagged entries are the legacy format:
// an in-app message under "message" identified by its "message_id".
func parseDocument(index int, raw json.RawMessage) (*document, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ParseError{Index: index, Err: fmt.Errorf("not an object: %w", err)}
	}
	d := &document{index: index}
	fail := func(err error) (*document, error) {
		return nil, &ParseError{Index: index, ID: d.id, Err: err}
	}

	typ, body, err := parseBody(fields, &d.id)
	if err != nil {
		return fail(err)
	}
	if d.id == "" {
		return fail(errors.New("missing id"))
	}
	data, err := schedule.UnmarshalData(typ, body)
	if err != nil {
		return fail(err)
	}
	d.edits.Data = schedule.Set(data)

	if d.created, err = requiredTime(fields, "created"); err != nil {
		return fail(err)
	}
	if d.lastUpdated, err = requiredTime(fields, "last_updated"); err != nil {
		return fail(err)
	}
	if raw, ok := fields["triggers"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &d.triggers); err != nil {
			return fail(fmt.Errorf("triggers: %w", err))
		}
		for i, t := range d.triggers {
			if _, err := condition.Compile(t.Predicate); err != nil {
				return fail(fmt.Errorf("triggers[%d]: %w", i, err))
			}
		}
	}

	e := &d.edits
	if e.Start, err = timeField(fields, "start"); err != nil {
		return fail(err)
	}
	if e.End, err = timeField(fields, "end"); err != nil {
		return fail(err)
	}
	if e.IntervalMs, err = intervalField(fields); err != nil {
		return fail(err)
	}
	if e.Limit, err = jsonField[int](fields, "limit"); err != nil {
		return fail(err)
	}
	if e.Priority, err = jsonField[int](fields, "priority"); err != nil {
		return fail(err)
	}
	if e.Audience, err = audienceField(fields); err != nil {
		return fail(err)
	}
	if e.Delay, err = jsonField[*schedule.Delay](fields, "delay"); err != nil {
		return fail(err)
	}
	if e.Campaigns, err = rawField(fields, "campaigns"); err != nil {
		return fail(err)
	}
	if e.FrequencyConstraintIDs, err = jsonField[[]string](fields, "frequency_constraint_ids"); err != nil {
		return fail(err)
	}
	if e.Group, err = jsonField[string](fields, "group"); err != nil {
		return fail(err)
	}
	return d, nil
}

// parseBody resolves the variant tag, the body and the id.
func parseBody(fields map[string]json.RawMessage, id *string) (schedule.Type, json.RawMessage, error) {
	rawType, tagged := fields["type"]
	if !tagged || isNull(rawType) {
		msg, ok := fields["message"]
		if !ok {
			return "", nil, errors.New("legacy document without message")
		}
		var ident struct {
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(msg, &ident); err != nil {
			return "", nil, fmt.Errorf("message: %w", err)
		}
		*id = ident.MessageID
		return schedule.TypeInAppMessage, msg, nil
	}

	var typ schedule.Type
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return "", nil, fmt.Errorf("type: %w", err)
	}
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, id); err != nil {
			return "", nil, fmt.Errorf("id: %w", err)
		}
	}
	key, ok := bodyKeys[typ]
	if !ok {
		return "", nil, fmt.Errorf("unknown type %q", typ)
	}
	return typ, fields[key], nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// jsonField decodes an optional field: absent is Unset, null is Clear.
func jsonField[T any](fields map[string]json.RawMessage, key string) (schedule.Field[T], error) {
	raw, ok := fields[key]
	if !ok {
		return schedule.Field[T]{}, nil
	}
	if isNull(raw) {
		return schedule.Clear[T](), nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return schedule.Field[T]{}, fmt.Errorf("%s: %w", key, err)
	}
	return schedule.Set(v), nil
}

func rawField(fields map[string]json.RawMessage, key string) (schedule.Field[json.RawMessage], error) {
	raw, ok := fields[key]
	if !ok {
		return schedule.Field[json.RawMessage]{}, nil
	}
	if isNull(raw) {
		return schedule.Clear[json.RawMessage](), nil
	}
	return schedule.Set(append(json.RawMessage(nil), raw...)), nil
}

// mapField converts a set value and carries Unset and Clear through.
func mapField[A, B any](f schedule.Field[A], fn func(A) (B, error)) (schedule.Field[B], error) {
	switch {
	case f.IsClear():
		return schedule.Clear[B](), nil
	case f.IsSet():
		v, _ := f.Value()
		out, err := fn(v)
		if err != nil {
			return schedule.Field[B]{}, err
		}
		return schedule.Set(out), nil
	}
	return schedule.Field[B]{}, nil
}

func timeField(fields map[string]json.RawMessage, key string) (schedule.Field[int64], error) {
	s, err := jsonField[string](fields, key)
	if err != nil {
		return schedule.Field[int64]{}, err
	}
	f, err := mapField(s, parseTime)
	if err != nil {
		return f, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// intervalField converts the document's seconds to milliseconds.
func intervalField(fields map[string]json.RawMessage) (schedule.Field[int64], error) {
	secs, err := jsonField[float64](fields, "interval")
	if err != nil {
		return schedule.Field[int64]{}, err
	}
	return mapField(secs, func(v float64) (int64, error) {
		if v < 0 {
			return 0, fmt.Errorf("interval: negative value %v", v)
		}
		return int64(v * 1000), nil
	})
}

func audienceField(fields map[string]json.RawMessage) (schedule.Field[string], error) {
	f, err := jsonField[string](fields, "audience")
	if err != nil {
		return f, err
	}
	if v, ok := f.Value(); ok {
		if _, err := condition.Compile(v); err != nil {
			return f, fmt.Errorf("audience: %w", err)
		}
	}
	return f, nil
}

func requiredTime(fields map[string]json.RawMessage, key string) (int64, error) {
	f, err := timeField(fields, key)
	if err != nil {
		return 0, err
	}
	v, ok := f.Value()
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	return v, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTime accepts ISO-8601 timestamps with or without a zone; a missing
// zone means UTC.
func parseTime(s string) (int64, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("invalid timestamp %q", s)
}
