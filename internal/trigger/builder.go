package trigger

import (
	"fmt"

	"github.com/gyaneshwarpardhi/automation/internal/condition"
	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// compiled is a trigger spec with its predicate parsed.
type compiled struct {
	spec schedule.TriggerSpec
	pred *condition.Predicate
}

// build compiles every trigger of s. Predicates are parsed here; nothing is
// parsed when an emission arrives.
func build(s *schedule.Schedule) ([]compiled, error) {
	if len(s.Triggers) == 0 {
		return nil, fmt.Errorf("schedule %s: no triggers", s.ID)
	}
	out := make([]compiled, 0, len(s.Triggers))
	for i, spec := range s.Triggers {
		pred, err := condition.Compile(spec.Predicate)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: triggers[%d]: %w", s.ID, i, err)
		}
		out = append(out, compiled{spec: spec, pred: pred})
	}
	return out, nil
}

// initialProgress restores saved counts when they line up with the
// triggers, and starts from zero otherwise.
func initialProgress(triggers []compiled, saved []schedule.Progress) []schedule.Progress {
	progress := make([]schedule.Progress, len(triggers))
	restore := len(saved) == len(triggers)
	for i, t := range triggers {
		progress[i].Goal = t.spec.Goal
		if restore && saved[i].Goal == t.spec.Goal && saved[i].Count < t.spec.Goal {
			progress[i].Count = saved[i].Count
		}
	}
	return progress
}
