package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gyaneshwarpardhi/automation/internal/condition"
	"github.com/gyaneshwarpardhi/automation/internal/remotedata"
	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// Provenance keys stored in Schedule.Metadata.
const (
	MetadataKey = "remote_data_metadata"
	UpdatedKey  = "remote_data_updated"
)

// Provenance returns the payload metadata and last_updated recorded on a
// schedule created from remote data. ok is false for schedules created any
// other way.
func Provenance(s *schedule.Schedule) (meta remotedata.Metadata, updated int64, ok bool) {
	if s.Metadata == nil {
		return nil, 0, false
	}
	rawMeta, hasMeta := s.Metadata[MetadataKey]
	rawUpdated, hasUpdated := s.Metadata[UpdatedKey]
	if !hasMeta && !hasUpdated {
		return nil, 0, false
	}
	meta = remotedata.Metadata{}
	switch m := rawMeta.(type) {
	case map[string]any:
		for k, v := range m {
			if str, isStr := v.(string); isStr {
				meta[k] = str
			} else {
				meta[k] = fmt.Sprint(v)
			}
		}
	case map[string]string:
		for k, v := range m {
			meta[k] = v
		}
	case remotedata.Metadata:
		for k, v := range m {
			meta[k] = v
		}
	}
	updated = -1
	if f, isNum := condition.ToFloat64(rawUpdated); isNum {
		updated = int64(f)
	}
	return meta, updated, true
}

func provenance(meta remotedata.Metadata, updated int64) map[string]any {
	m := make(map[string]any, len(meta))
	for k, v := range meta {
		m[k] = v
	}
	return map[string]any{MetadataKey: m, UpdatedKey: updated}
}

// Options tune a diff.
type Options struct {
	// NowMs is the current time in epoch milliseconds.
	NowMs int64
	// NewUserCutoffMs suppresses creation of schedules whose created time
	// is before it. -1 disables the cutoff.
	NewUserCutoffMs int64
}

// Plan is the set of store operations that reconciles a payload.
type Plan struct {
	Type      string
	Timestamp int64
	Inserts   []*schedule.Schedule
	Edits     []schedule.Edit
	// Ends are edits that move schedules absent from the payload to expiry.
	Ends    []schedule.Edit
	Cancels []string
	Skipped []*ParseError
}

// Batch flattens the plan for an atomic store commit.
func (plan *Plan) Batch() schedule.Batch {
	edits := make([]schedule.Edit, 0, len(plan.Edits)+len(plan.Ends))
	edits = append(edits, plan.Edits...)
	edits = append(edits, plan.Ends...)
	return schedule.Batch{Inserts: plan.Inserts, Edits: edits, Cancels: plan.Cancels}
}

// IsEmpty reports whether the plan changes nothing.
func (plan *Plan) IsEmpty() bool {
	b := plan.Batch()
	return b.IsEmpty()
}

// String renders the plan one operation per line.
func (plan *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "payload %s @ %d\n", plan.Type, plan.Timestamp)
	for _, s := range plan.Inserts {
		fmt.Fprintf(&sb, "insert %s (%s)\n", s.ID, s.Type())
	}
	for _, e := range plan.Edits {
		fmt.Fprintf(&sb, "edit %s %s\n", e.ID, e.Edits.String())
	}
	for _, e := range plan.Ends {
		end, _ := e.Edits.End.Value()
		fmt.Fprintf(&sb, "end %s at %d\n", e.ID, end)
	}
	for _, id := range plan.Cancels {
		fmt.Fprintf(&sb, "cancel %s\n", id)
	}
	for _, pe := range plan.Skipped {
		fmt.Fprintf(&sb, "skip %s\n", pe.Error())
	}
	return sb.String()
}

// Diff computes the plan that brings existing in line with payload p.
//
// Documents are keyed by id. New ids are inserted; known ids are edited
// when their last_updated advanced, or get a metadata-only edit when only
// the payload metadata changed. Remote schedules missing from the payload
// are ended at the payload timestamp, and cancelled once their end has
// passed. Malformed documents are skipped and reported in Plan.Skipped.
func Diff(p remotedata.Payload, existing []*schedule.Schedule, opts Options) (*Plan, error) {
	raws, err := scheduleList(p)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Type: p.Type, Timestamp: p.Timestamp}

	docs := make([]*document, 0, len(raws))
	byID := make(map[string]int, len(raws))
	for i, raw := range raws {
		d, err := parseDocument(i, raw)
		if err != nil {
			plan.Skipped = append(plan.Skipped, err.(*ParseError))
			continue
		}
		if j, dup := byID[d.id]; dup {
			prev := docs[j]
			loser := d
			if d.lastUpdated > prev.lastUpdated {
				docs[j], loser = d, prev
			}
			plan.Skipped = append(plan.Skipped, &ParseError{Index: loser.index, ID: loser.id, Err: errDuplicateID})
			continue
		}
		byID[d.id] = len(docs)
		docs = append(docs, d)
	}

	stored := make(map[string]*schedule.Schedule, len(existing))
	for _, s := range existing {
		stored[s.ID] = s
	}

	for _, d := range docs {
		cur, ok := stored[d.id]
		if !ok {
			plan.addInsert(d, p, opts)
			continue
		}
		plan.addEdit(d, cur, p)
	}

	absent := make([]*schedule.Schedule, 0)
	for _, s := range existing {
		if _, ok := byID[s.ID]; !ok {
			absent = append(absent, s)
		}
	}
	sort.Slice(absent, func(i, j int) bool { return absent[i].ID < absent[j].ID })
	for _, s := range absent {
		plan.addEnd(s, p.Timestamp, opts.NowMs)
	}
	sort.Slice(plan.Skipped, func(i, j int) bool { return plan.Skipped[i].Index < plan.Skipped[j].Index })
	return plan, nil
}

func (plan *Plan) addInsert(d *document, p remotedata.Payload, opts Options) {
	if opts.NewUserCutoffMs >= 0 && d.created < opts.NewUserCutoffMs {
		return
	}
	s := &schedule.Schedule{ID: d.id, Triggers: d.triggers, Limit: schedule.DefaultLimit}
	e := d.edits
	e.Metadata = schedule.Set(provenance(p.Metadata, d.lastUpdated))
	e.Apply(s)
	if s.Ended(opts.NowMs) {
		return
	}
	if err := s.Validate(); err != nil {
		plan.Skipped = append(plan.Skipped, &ParseError{Index: d.index, ID: d.id, Err: err})
		return
	}
	plan.Inserts = append(plan.Inserts, s)
}

func (plan *Plan) addEdit(d *document, cur *schedule.Schedule, p remotedata.Payload) {
	meta, updated, remote := Provenance(cur)
	if !remote {
		updated = -1
	}
	var e schedule.Edits
	switch {
	case d.lastUpdated > updated:
		e = d.edits
		e.Metadata = schedule.Set(provenance(p.Metadata, d.lastUpdated))
	case !meta.Equal(p.Metadata):
		e.Metadata = schedule.Set(provenance(p.Metadata, updated))
	default:
		return
	}
	check := cur.Clone()
	e.Apply(check)
	if err := check.Validate(); err != nil {
		plan.Skipped = append(plan.Skipped, &ParseError{Index: d.index, ID: d.id, Err: err})
		return
	}
	plan.Edits = append(plan.Edits, schedule.Edit{ID: d.id, Edits: e})
}

// addEnd handles a stored schedule missing from the payload. Schedules
// without remote provenance are left alone. A schedule whose end has
// passed is cancelled, except one this same payload ended: it is kept so
// reapplying a payload is a no-op, and a later payload cancels it.
func (plan *Plan) addEnd(s *schedule.Schedule, ts, nowMs int64) {
	if _, _, remote := Provenance(s); !remote {
		return
	}
	endedHere := s.Start == ts && s.End == ts
	switch {
	case s.End > 0 && s.End < nowMs && !endedHere:
		plan.Cancels = append(plan.Cancels, s.ID)
	case s.End == 0 || s.End > ts:
		plan.Ends = append(plan.Ends, schedule.Edit{ID: s.ID, Edits: schedule.Edits{
			Start: schedule.Set(ts),
			End:   schedule.Set(ts),
		}})
	}
}

// scheduleList extracts the document array stored under the payload's type.
// A payload without the key reconciles as an empty list.
func scheduleList(p remotedata.Payload) ([]json.RawMessage, error) {
	obj, err := p.Object()
	if err != nil {
		return nil, fmt.Errorf("payload %s: data is not an object: %w", p.Type, err)
	}
	raw, ok := obj[p.Type]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("payload %s: schedules are not a list: %w", p.Type, err)
	}
	return list, nil
}
