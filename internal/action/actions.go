package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// Handler runs one named action with its JSON argument.
type Handler func(ctx context.Context, arg json.RawMessage, req *Request) error

// ActionsExecutor runs the named actions of an actions schedule. Actions
// without a registered handler are skipped with a warning.
type ActionsExecutor struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewActionsExecutor(logger *slog.Logger) *ActionsExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionsExecutor{logger: logger, handlers: make(map[string]Handler)}
}

// Handle registers h under name, replacing any previous handler.
func (a *ActionsExecutor) Handle(name string, h Handler) {
	a.mu.Lock()
	a.handlers[name] = h
	a.mu.Unlock()
}

func (a *ActionsExecutor) Type() schedule.Type { return schedule.TypeActions }

// Execute runs actions in name order and stops at the first failure.
func (a *ActionsExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	actions, ok := req.Schedule.Data.(schedule.Actions)
	if !ok {
		return nil, fmt.Errorf("schedule %s: expected actions data, got %s", req.Schedule.ID, req.Schedule.Type())
	}
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)

	ran := 0
	for _, name := range names {
		a.mu.RLock()
		h, ok := a.handlers[name]
		a.mu.RUnlock()
		if !ok {
			a.logger.Warn("no handler for action", "schedule_id", req.Schedule.ID, "action", name)
			continue
		}
		if err := h(ctx, actions[name], req); err != nil {
			return newResult(req, StatusFailed, err.Error()), fmt.Errorf("action %s: %w", name, err)
		}
		ran++
	}
	return newResult(req, StatusFinished, fmt.Sprintf("ran %d of %d actions", ran, len(names))), nil
}

// Tags is a concurrent set of device tags maintained by the tag actions.
type Tags struct {
	mu   sync.RWMutex
	tags map[string]struct{}
}

func NewTags() *Tags {
	return &Tags{tags: make(map[string]struct{})}
}

// List returns the tags in sorted order.
func (t *Tags) List() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.tags))
	for tag := range t.tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func (t *Tags) Has(tag string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.tags[tag]
	return ok
}

func (t *Tags) update(add bool, tags []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tag := range tags {
		if add {
			t.tags[tag] = struct{}{}
		} else {
			delete(t.tags, tag)
		}
	}
}

// tagArg accepts a single tag or a list of tags.
func tagArg(arg json.RawMessage) ([]string, error) {
	var one string
	if err := json.Unmarshal(arg, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(arg, &many); err != nil {
		return nil, fmt.Errorf("tags must be a string or a list of strings: %w", err)
	}
	return many, nil
}

// RegisterTagActions installs add_tags_action and remove_tags_action
// backed by tags.
func RegisterTagActions(a *ActionsExecutor, tags *Tags) {
	handler := func(add bool) Handler {
		return func(_ context.Context, arg json.RawMessage, _ *Request) error {
			list, err := tagArg(arg)
			if err != nil {
				return err
			}
			tags.update(add, list)
			return nil
		}
	}
	a.Handle("add_tags_action", handler(true))
	a.Handle("remove_tags_action", handler(false))
}
