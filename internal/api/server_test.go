// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/game"
	"github.com/openclaw/clawd/internal/gpio"
	"github.com/openclaw/clawd/internal/health"
	"github.com/openclaw/clawd/internal/persistence/sqlite"
	"github.com/openclaw/clawd/internal/queue"
	"github.com/openclaw/clawd/internal/ratelimit"
	"github.com/openclaw/clawd/internal/ws"
)

const testAdminKey = "test-admin-key"

type fixture struct {
	ts      *httptest.Server
	holder  *config.Holder
	queue   *queue.Manager
	machine *game.Machine
	gate    *gpio.Gate
}

func newFixture(t *testing.T, mutate func(*config.Settings)) *fixture {
	t.Helper()

	holder, err := config.NewHolder(filepath.Join(t.TempDir(), "api.conf"))
	require.NoError(t, err)
	settings := holder.Current()
	settings.AdminAPIKey = testAdminKey
	settings.MockGPIO = true
	if mutate != nil {
		mutate(&settings)
	}
	require.NoError(t, holder.Update(settings))

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"), sqlite.Config{
		BusyTimeout:  time.Second,
		MaxOpenConns: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gate := gpio.NewGate(gpio.Config{
		Driver: gpio.DriverConfig{
			Chip: "mock",
			Outputs: map[string]int{
				gpio.OutCoin: 1, gpio.OutDrop: 2, gpio.OutNorth: 3,
				gpio.OutSouth: 4, gpio.OutEast: 5, gpio.OutWest: 6,
			},
			WinPin: 7,
		},
		CoinPulse:             time.Millisecond,
		DropPulse:             time.Millisecond,
		DirectionHoldMax:      time.Second,
		DropHoldMax:           time.Second,
		ConflictMode:          "ignore_new",
		OpTimeout:             500 * time.Millisecond,
		PulseTimeout:          time.Second,
		InitTimeout:           time.Second,
		MaxWorkerReplacements: 3,
		ReplacementWindow:     time.Minute,
	})
	require.NoError(t, gate.Init(gpio.NewMockDriver()))
	t.Cleanup(gate.Cleanup)

	q := queue.NewManager(store)
	machine := game.NewMachine(holder.Current, q, gate)
	hub := ws.NewHub(holder.Current, q)
	control := ws.NewControl(holder.Current, q, gate)
	control.SetMachine(machine)
	machine.SetPlayers(control)
	machine.SetSink(hub)
	t.Cleanup(control.Close)
	t.Cleanup(hub.Close)

	limiter := ratelimit.New(holder.Current, store)
	checker := health.NewChecker()
	checker.Register("store", store.Ping)

	srv := New(holder, q, machine, gate, hub, control, limiter, checker, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, holder: holder, queue: q, machine: machine, gate: gate}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func (f *fixture) join(t *testing.T, name, email string) (token string) {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/queue/join",
		map[string]string{"name": name, "email": email}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ = body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func adminHeader() map[string]string {
	return map[string]string{"X-Admin-Key": testAdminKey}
}

func TestJoinBroadcastsQueueUpdate(t *testing.T) {
	f := newFixture(t, nil)
	f.machine.Pause()

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	f.join(t, "Alice", "alice@example.com")

	// Viewers must see the longer queue right away, not at the end of
	// some future turn.
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "no queue update reached the viewer")
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == "queue_update" {
			assert.Equal(t, float64(1), msg["queue_length"])
			return
		}
	}
}

func TestJoinSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.machine.Pause()

	resp, body := f.do(t, http.MethodPost, "/api/queue/join",
		map[string]string{"name": "Alice", "email": "ALICE@Example.com"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["token"])
	assert.Equal(t, float64(1), body["position"])
	assert.Equal(t, float64(0), body["estimated_wait_seconds"])
}

func TestJoinValidation(t *testing.T) {
	f := newFixture(t, nil)

	cases := []map[string]string{
		{"name": "A", "email": "a@example.com"},    // name too short
		{"name": "Alice", "email": "not-an-email"}, // bad email
		{"name": "", "email": ""},
	}
	for _, c := range cases {
		resp, _ := f.do(t, http.MethodPost, "/api/queue/join", c, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "payload %v", c)
	}
}

func TestJoinDuplicateEmail(t *testing.T) {
	f := newFixture(t, nil)
	f.machine.Pause()
	f.join(t, "Alice", "alice@example.com")

	resp, _ := f.do(t, http.MethodPost, "/api/queue/join",
		map[string]string{"name": "Alice Again", "email": "alice@example.com"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJoinRateLimited(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.JoinRatePerIP = 1 })
	f.machine.Pause()
	f.join(t, "Alice", "alice@example.com")

	resp, _ := f.do(t, http.MethodPost, "/api/queue/join",
		map[string]string{"name": "Bob", "email": "bob@example.com"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestLeaveRequiresAuth(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodDelete, "/api/queue/leave", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/queue/leave", nil,
		map[string]string{"Authorization": "Bearer bogus"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLeaveWaitingEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.machine.Pause()
	token := f.join(t, "Alice", "alice@example.com")

	resp, _ := f.do(t, http.MethodDelete, "/api/queue/leave", nil,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entry, err := f.queue.GetByToken(context.Background(), queue.HashToken(token))
	require.NoError(t, err)
	assert.Equal(t, sqlite.StateCancelled, entry.State)

	// Leaving twice is a 404: the entry is terminal.
	resp, _ = f.do(t, http.MethodDelete, "/api/queue/leave", nil,
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueStatusAndList(t *testing.T) {
	f := newFixture(t, nil)
	f.machine.Pause()
	f.join(t, "Alice", "alice@example.com")
	f.join(t, "Bob", "bob@example.com")

	resp, body := f.do(t, http.MethodGet, "/api/queue/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["queue_length"])
	assert.Equal(t, "", body["current_player"])

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/queue", nil)
	require.NoError(t, err)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list, 2)
	assert.Equal(t, "Alice", list[0]["name"])
	assert.NotContains(t, list[0], "email", "public list must not leak emails")
}

func TestSessionMe(t *testing.T) {
	f := newFixture(t, nil)
	f.machine.Pause()
	token := f.join(t, "Alice", "alice@example.com")

	resp, body := f.do(t, http.MethodGet, "/api/session/me", nil,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "waiting", body["state"])
	assert.Equal(t, float64(1), body["position"])
	assert.Equal(t, float64(f.holder.Current().TriesPerPlayer), body["tries_left"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "idle", body["game_state"])
	assert.Equal(t, false, body["gpio_locked"])
}

func TestAdminRequiresKey(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodGet, "/admin/dashboard", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/admin/dashboard", nil,
		map[string]string{"X-Admin-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/admin/dashboard", nil, adminHeader())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminEmptyKeyRejectsAll(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.AdminAPIKey = "" })

	resp, _ := f.do(t, http.MethodGet, "/admin/dashboard", nil,
		map[string]string{"X-Admin-Key": ""})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminConfigRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/admin/config", nil, adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "90", body["turn_time_seconds"])

	resp, body = f.do(t, http.MethodPut, "/admin/config",
		map[string]string{"turn_time_seconds": "120"}, adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "120", body["turn_time_seconds"])
	assert.Equal(t, 120, f.holder.Current().TurnTimeSeconds)

	resp, _ = f.do(t, http.MethodPut, "/admin/config",
		map[string]string{"turn_time_seconds": "5"}, adminHeader())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 120, f.holder.Current().TurnTimeSeconds, "rejected update must not apply")
}

func TestAdminKickWaitingEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.machine.Pause()
	f.join(t, "Alice", "alice@example.com")

	entries, err := f.queue.ListQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	resp, _ := f.do(t, http.MethodPost, fmt.Sprintf("/admin/kick/%s", entries[0].ID), nil, adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entry, err := f.queue.GetByID(context.Background(), entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, sqlite.StateDone, entry.State)
	assert.Equal(t, sqlite.ResultAdminSkipped, entry.Result)

	// Kicking a terminal entry conflicts.
	resp, _ = f.do(t, http.MethodPost, fmt.Sprintf("/admin/kick/%s", entries[0].ID), nil, adminHeader())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAdminEmergencyStopAndUnlock(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/admin/emergency-stop", nil, adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.gate.IsLocked())

	resp, _ = f.do(t, http.MethodPost, "/admin/unlock", nil, adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.gate.IsLocked())
}

func TestAdminPauseResume(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/admin/pause", nil, adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.machine.IsPaused())

	resp, _ = f.do(t, http.MethodPost, "/admin/resume", nil, adminHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.machine.IsPaused())
}

func TestNormalizeHelpers(t *testing.T) {
	name, err := normalizeName("  <b>Alice</b>  ")
	require.NoError(t, err)
	assert.NotContains(t, name, "<")

	_, err = normalizeName("x")
	assert.Error(t, err)

	email, err := normalizeEmail(" Alice@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", email)

	_, err = normalizeEmail("nope")
	assert.Error(t, err)
}
