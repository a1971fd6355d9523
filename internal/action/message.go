package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// Displayer hands an in-app message to the rendering layer. It returns
// false when the message could not be shown right now.
type Displayer interface {
	Display(ctx context.Context, scheduleID string, msg *schedule.InAppMessage) (bool, error)
}

// Displayed is one message accepted by a LogDisplayer.
type Displayed struct {
	ScheduleID string                 `json:"schedule_id"`
	Message    *schedule.InAppMessage `json:"message"`
}

// LogDisplayer logs messages and keeps the most recent ones. It stands in
// for a rendering layer in the server and in tests.
type LogDisplayer struct {
	logger *slog.Logger
	keep   int

	mu     sync.Mutex
	recent []Displayed
}

func NewLogDisplayer(logger *slog.Logger, keep int) *LogDisplayer {
	if logger == nil {
		logger = slog.Default()
	}
	if keep <= 0 {
		keep = 50
	}
	return &LogDisplayer{logger: logger, keep: keep}
}

func (d *LogDisplayer) Display(_ context.Context, scheduleID string, msg *schedule.InAppMessage) (bool, error) {
	d.logger.Info("displaying in-app message", "schedule_id", scheduleID, "name", msg.Name, "display_type", msg.DisplayType)
	d.mu.Lock()
	d.recent = append(d.recent, Displayed{ScheduleID: scheduleID, Message: msg})
	if len(d.recent) > d.keep {
		d.recent = d.recent[len(d.recent)-d.keep:]
	}
	d.mu.Unlock()
	return true, nil
}

// Recent returns the displayed messages, oldest first.
func (d *LogDisplayer) Recent() []Displayed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Displayed(nil), d.recent...)
}

// MessageExecutor displays in-app message schedules.
type MessageExecutor struct {
	displayer Displayer
}

func NewMessageExecutor(d Displayer) *MessageExecutor {
	return &MessageExecutor{displayer: d}
}

func (m *MessageExecutor) Type() schedule.Type { return schedule.TypeInAppMessage }

func (m *MessageExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	msg, ok := req.Schedule.Data.(*schedule.InAppMessage)
	if !ok {
		return nil, fmt.Errorf("schedule %s: expected in-app message data, got %s", req.Schedule.ID, req.Schedule.Type())
	}
	return display(ctx, m.displayer, req, msg)
}

func display(ctx context.Context, d Displayer, req *Request, msg *schedule.InAppMessage) (*Result, error) {
	shown, err := d.Display(ctx, req.Schedule.ID, msg)
	if err != nil {
		return newResult(req, StatusFailed, err.Error()), fmt.Errorf("display %s: %w", req.Schedule.ID, err)
	}
	if !shown {
		return newResult(req, StatusAborted, "message not displayed"), nil
	}
	return newResult(req, StatusFinished, "message displayed"), nil
}
