package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// StateOverrides is the device state sent with a deferred request so the
// server can resolve content for the current device.
type StateOverrides struct {
	AppVersion        string `json:"app_version"`
	SDKVersion        string `json:"sdk_version"`
	NotificationOptIn bool   `json:"notification_opt_in"`
	LocaleLanguage    string `json:"locale_language"`
	LocaleCountry     string `json:"locale_country"`
}

// StateProvider reports the device state at execution time.
type StateProvider interface {
	StateOverrides() StateOverrides
}

type deferredRequest struct {
	Platform       string         `json:"platform"`
	Trigger        TriggerContext `json:"trigger"`
	StateOverrides StateOverrides `json:"state_overrides"`
}

type deferredResponse struct {
	AudienceMatch bool            `json:"audience_match"`
	Type          string          `json:"type"`
	Message       json.RawMessage `json:"message"`
}

const deferredTypeMessage = "in_app_message"

// DeferredExecutor resolves deferred schedules with a POST to their URL
// and displays the returned message.
type DeferredExecutor struct {
	client    *http.Client
	platform  string
	state     StateProvider
	displayer Displayer
}

// NewDeferredExecutor returns an executor. A nil client uses a client with
// a 10s timeout.
func NewDeferredExecutor(client *http.Client, platform string, state StateProvider, d Displayer) *DeferredExecutor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DeferredExecutor{client: client, platform: platform, state: state, displayer: d}
}

func (x *DeferredExecutor) Type() schedule.Type { return schedule.TypeDeferred }

func (x *DeferredExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	def, ok := req.Schedule.Data.(*schedule.Deferred)
	if !ok {
		return nil, fmt.Errorf("schedule %s: expected deferred data, got %s", req.Schedule.ID, req.Schedule.Type())
	}
	resp, err := x.resolve(ctx, def.URL, req)
	if err != nil {
		return newResult(req, StatusFailed, err.Error()), err
	}
	if !resp.AudienceMatch {
		return newResult(req, StatusAborted, "audience did not match"), nil
	}
	if resp.Type != deferredTypeMessage {
		return newResult(req, StatusFailed, "unsupported deferred type"), fmt.Errorf("deferred %s: unsupported response type %q", req.Schedule.ID, resp.Type)
	}
	var msg schedule.InAppMessage
	if err := json.Unmarshal(resp.Message, &msg); err != nil {
		return newResult(req, StatusFailed, err.Error()), fmt.Errorf("deferred %s: decode message: %w", req.Schedule.ID, err)
	}
	return display(ctx, x.displayer, req, &msg)
}

func (x *DeferredExecutor) resolve(ctx context.Context, url string, req *Request) (*deferredResponse, error) {
	body, err := json.Marshal(deferredRequest{
		Platform:       x.platform,
		Trigger:        req.Trigger,
		StateOverrides: x.state.StateOverrides(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode deferred request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("deferred request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	res, err := x.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("deferred %s: %w", req.Schedule.ID, ErrTimeout)
		}
		return nil, fmt.Errorf("deferred %s: %w", req.Schedule.ID, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("deferred %s: unexpected status %d", req.Schedule.ID, res.StatusCode)
	}
	var out deferredResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("deferred %s: %w", req.Schedule.ID, ErrTimeout)
		}
		return nil, fmt.Errorf("deferred %s: decode response: %w", req.Schedule.ID, err)
	}
	return &out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
