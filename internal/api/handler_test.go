package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/automation/internal/app"
	"github.com/gyaneshwarpardhi/automation/internal/config"
	"github.com/gyaneshwarpardhi/automation/internal/store"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "api.db")
	st, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	a, err := app.New(ctx, app.Options{Config: cfg, Store: st})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { a.Stop(context.Background()) })

	srv := httptest.NewServer(New(a, nil))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

const tagSchedule = `{
	"id": "welcome",
	"type": "actions",
	"data": {"add_tags_action": "welcomed"},
	"triggers": [{"type": "foreground", "goal": 1}],
	"limit": 1,
	"group": "onboarding"
}`

func TestScheduleCRUD(t *testing.T) {
	srv := newServer(t)

	code, body := do(t, srv, http.MethodPost, "/v1/schedules", tagSchedule)
	require.Equal(t, http.StatusCreated, code, body)

	code, _ = do(t, srv, http.MethodPost, "/v1/schedules", tagSchedule)
	assert.Equal(t, http.StatusConflict, code)

	code, body = do(t, srv, http.MethodGet, "/v1/schedules/welcome", "")
	require.Equal(t, http.StatusOK, code)
	sched := body["schedule"].(map[string]any)
	assert.Equal(t, "actions", sched["type"])
	trig := body["trigger"].(map[string]any)
	assert.Equal(t, "idle", trig["state"])

	code, body = do(t, srv, http.MethodGet, "/v1/schedules", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["schedules"], 1)

	code, _ = do(t, srv, http.MethodDelete, "/v1/schedules/welcome", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, srv, http.MethodDelete, "/v1/schedules/welcome", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, srv, http.MethodGet, "/v1/schedules/welcome", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateScheduleValidation(t *testing.T) {
	srv := newServer(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
		{name: "no triggers", body: `{"id":"x","type":"actions","data":{},"triggers":[]}`, want: http.StatusBadRequest},
		{name: "bad predicate", body: `{"id":"x","type":"actions","data":{},"triggers":[{"type":"foreground","goal":1,"predicate":"a =="}]}`, want: http.StatusBadRequest},
		{name: "generated id", body: `{"type":"actions","data":{},"triggers":[{"type":"foreground","goal":1}],"limit":1}`, want: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, srv, http.MethodPost, "/v1/schedules", tt.body)
			assert.Equal(t, tt.want, code, body)
		})
	}
}

func TestCancelGroup(t *testing.T) {
	srv := newServer(t)
	code, _ := do(t, srv, http.MethodPost, "/v1/schedules", tagSchedule)
	require.Equal(t, http.StatusCreated, code)

	code, body := do(t, srv, http.MethodDelete, "/v1/groups/onboarding", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"welcome"}, body["cancelled"])

	code, body = do(t, srv, http.MethodDelete, "/v1/groups/onboarding", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["cancelled"])
}

func TestRemoteDataRoutes(t *testing.T) {
	srv := newServer(t)

	code, _ := do(t, srv, http.MethodGet, "/v1/remote-data/app_config", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, srv, http.MethodPost, "/v1/remote-data/app_config", `{"type":"other","timestamp":5,"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, http.MethodPost, "/v1/remote-data/app_config", `{"timestamp":5,"data":{"airship_config":{}}}`)
	require.Equal(t, http.StatusAccepted, code)

	code, body := do(t, srv, http.MethodGet, "/v1/remote-data/app_config", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 5, body["timestamp"])

	code, _ = do(t, srv, http.MethodPost, "/v1/remote-data/app_config", `{"timestamp":4,"data":{}}`)
	assert.Equal(t, http.StatusConflict, code)

	code, body = do(t, srv, http.MethodGet, "/v1/remote-data/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "refresh")
	assert.Contains(t, body, "urls")
}

func TestEvents(t *testing.T) {
	srv := newServer(t)

	code, _ := do(t, srv, http.MethodPost, "/v1/events", `{"properties":{}}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := do(t, srv, http.MethodPost, "/v1/events", `{"name":"purchase","value":9.99}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.NotEmpty(t, body["id"])

	code, body = do(t, srv, http.MethodPost, "/v1/events/batch", `[{"name":"a"},{"value":1}]`)
	require.Equal(t, http.StatusAccepted, code)
	assert.EqualValues(t, 1, body["accepted"])
	assert.EqualValues(t, 1, body["rejected"])

	code, _ = do(t, srv, http.MethodPost, "/v1/events/batch", `[]`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLifecycleRoutes(t *testing.T) {
	srv := newServer(t)

	code, body := do(t, srv, http.MethodPost, "/v1/lifecycle/foreground", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["changed"])
	assert.Equal(t, true, body["foreground"])

	_, body = do(t, srv, http.MethodPost, "/v1/lifecycle/foreground", "")
	assert.Equal(t, false, body["changed"])

	_, body = do(t, srv, http.MethodPost, "/v1/lifecycle/pause", "")
	assert.Equal(t, true, body["paused"])
	_, body = do(t, srv, http.MethodPost, "/v1/lifecycle/resume", "")
	assert.Equal(t, false, body["paused"])

	_, body = do(t, srv, http.MethodPost, "/v1/lifecycle/background", "")
	assert.Equal(t, false, body["foreground"])
}

func TestForegroundFiresSchedule(t *testing.T) {
	srv := newServer(t)
	code, _ := do(t, srv, http.MethodPost, "/v1/schedules", tagSchedule)
	require.Equal(t, http.StatusCreated, code)

	do(t, srv, http.MethodPost, "/v1/lifecycle/foreground", "")
	require.Eventually(t, func() bool {
		_, body := do(t, srv, http.MethodGet, "/v1/schedules/welcome", "")
		trig, ok := body["trigger"].(map[string]any)
		return ok && trig["state"] == "exhausted"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	srv := newServer(t)
	code, _ := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	code, body := do(t, srv, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	code, _ = do(t, srv, http.MethodPost, "/v1/config/reload", "")
	assert.Equal(t, http.StatusNotFound, code)
}
