package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
)

type fieldState uint8

const (
	fieldUnset fieldState = iota
	fieldClear
	fieldValue
)

// Field is one entry of a sparse patch. The zero value is Unset and leaves
// the target untouched; Clear resets the target to its zero value; Set
// overwrites it.
type Field[T any] struct {
	state fieldState
	value T
}

// Set returns a field that overwrites the target with v.
func Set[T any](v T) Field[T] { return Field[T]{state: fieldValue, value: v} }

// Clear returns a field that resets the target.
func Clear[T any]() Field[T] { return Field[T]{state: fieldClear} }

func (f Field[T]) IsUnset() bool { return f.state == fieldUnset }
func (f Field[T]) IsClear() bool { return f.state == fieldClear }
func (f Field[T]) IsSet() bool   { return f.state == fieldValue }

// Value returns the overwrite value and whether one is present.
func (f Field[T]) Value() (T, bool) { return f.value, f.state == fieldValue }

func (f Field[T]) apply(dst *T) {
	switch f.state {
	case fieldValue:
		*dst = f.value
	case fieldClear:
		var zero T
		*dst = zero
	}
}

func (f Field[T]) String() string {
	switch f.state {
	case fieldValue:
		return fmt.Sprintf("%v", f.value)
	case fieldClear:
		return "<clear>"
	}
	return "<unset>"
}

// Edits is a sparse patch over a Schedule. Identity and trigger specs are
// never edited so that trigger progress survives.
type Edits struct {
	Data                   Field[Data]
	Start                  Field[int64]
	End                    Field[int64]
	IntervalMs             Field[int64]
	Limit                  Field[int]
	Priority               Field[int]
	Audience               Field[string]
	Delay                  Field[*Delay]
	Metadata               Field[map[string]any]
	Campaigns              Field[json.RawMessage]
	FrequencyConstraintIDs Field[[]string]
	Group                  Field[string]
}

// Fields lists the names of the fields this patch touches, in a fixed order.
func (e *Edits) Fields() []string {
	var out []string
	add := func(name string, unset bool) {
		if !unset {
			out = append(out, name)
		}
	}
	add("data", e.Data.IsUnset())
	add("start", e.Start.IsUnset())
	add("end", e.End.IsUnset())
	add("interval", e.IntervalMs.IsUnset())
	add("limit", e.Limit.IsUnset())
	add("priority", e.Priority.IsUnset())
	add("audience", e.Audience.IsUnset())
	add("delay", e.Delay.IsUnset())
	add("metadata", e.Metadata.IsUnset())
	add("campaigns", e.Campaigns.IsUnset())
	add("frequency_constraint_ids", e.FrequencyConstraintIDs.IsUnset())
	add("group", e.Group.IsUnset())
	return out
}

// IsEmpty reports whether applying e would change nothing.
func (e *Edits) IsEmpty() bool { return len(e.Fields()) == 0 }

// Apply patches s in place. Clearing Data is ignored: a schedule always
// carries data. Clearing Limit restores DefaultLimit.
func (e *Edits) Apply(s *Schedule) {
	if d, ok := e.Data.Value(); ok && d != nil {
		s.Data = d
	}
	e.Start.apply(&s.Start)
	e.End.apply(&s.End)
	e.IntervalMs.apply(&s.IntervalMs)
	e.Limit.apply(&s.Limit)
	if e.Limit.IsClear() {
		s.Limit = DefaultLimit
	}
	e.Priority.apply(&s.Priority)
	e.Audience.apply(&s.Audience)
	e.Delay.apply(&s.Delay)
	e.Metadata.apply(&s.Metadata)
	e.Campaigns.apply(&s.Campaigns)
	e.FrequencyConstraintIDs.apply(&s.FrequencyConstraintIDs)
	e.Group.apply(&s.Group)
}

func (e *Edits) String() string {
	fields := e.Fields()
	if len(fields) == 0 {
		return "{}"
	}
	return "{" + strings.Join(fields, ",") + "}"
}

// Edit pairs a patch with the schedule it targets.
type Edit struct {
	ID    string
	Edits Edits
}

// Batch is a set of store mutations that must commit together.
type Batch struct {
	Inserts []*Schedule
	Edits   []Edit
	Cancels []string
}

// IsEmpty reports whether the batch has no operations.
func (b *Batch) IsEmpty() bool {
	return len(b.Inserts) == 0 && len(b.Edits) == 0 && len(b.Cancels) == 0
}
