package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/duet/go-controller/internal/events"
	"github.com/danielpatrickdp/duet/go-controller/internal/intervention"
	"github.com/danielpatrickdp/duet/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/duet/go-controller/internal/persona"
	"github.com/danielpatrickdp/duet/go-controller/internal/state"
	"github.com/danielpatrickdp/duet/go-controller/internal/transcript"
)

// gateBackend blocks each call until released or cancelled.
type gateBackend struct {
	release chan struct{}
}

func (b *gateBackend) Generate(ctx context.Context, _ string) (string, error) {
	select {
	case <-b.release:
		return "Here we go.", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type harness struct {
	srv   *httptest.Server
	sup   *orchestrator.Supervisor
	hub   *events.Hub
	store *state.Store
}

func newHarness(t *testing.T, tweak func(*Deps, *Options)) harness {
	t.Helper()
	lib, err := persona.NewLibrary("", nil)
	require.NoError(t, err)
	store := state.NewStore(state.DefaultLimits(), nil)
	hub := events.NewHub()
	backend := &gateBackend{release: make(chan struct{})}
	orch, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Store: store, Persona: lib, Backend: backend, Sink: hub,
	})
	require.NoError(t, err)
	sup := orchestrator.NewSupervisor(orch, nil, nil)

	deps := Deps{Supervisor: sup, Store: store, Persona: lib, Hub: hub}
	opts := Options{}
	if tweak != nil {
		tweak(&deps, &opts)
	}
	s, err := New(deps, opts)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		require.NoError(t, sup.Close())
		srv.Close()
	})
	return harness{srv: srv, sup: sup, hub: hub, store: store}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (h harness) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

func TestNewRequiresSupervisorAndStore(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}

func TestIdleSurface(t *testing.T) {
	h := newHarness(t, nil)

	code, env := h.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, code)
	var st orchestrator.Status
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.False(t, st.Active)

	for _, path := range []string{"/pause", "/resume", "/stop"} {
		code, env = h.do(t, http.MethodPost, path, "")
		assert.Equal(t, http.StatusNotFound, code, path)
		assert.False(t, env.Success)
		assert.Contains(t, env.Error, "no active run")
	}
	code, _ = h.do(t, http.MethodGet, "/log", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(t, http.MethodPost, "/interrupt", `{"text":"hi there"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestInterventionFlow(t *testing.T) {
	h := newHarness(t, nil)

	code, env := h.do(t, http.MethodPost, "/runs/batch", `{"input":"The car is on the line.","max_turns":2}`)
	require.Equal(t, http.StatusAccepted, code, env.Error)
	var started map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &started))
	assert.NotEmpty(t, started["run_id"])

	code, _ = h.do(t, http.MethodPost, "/runs/batch", `{}`)
	assert.Equal(t, http.StatusConflict, code)

	code, env = h.do(t, http.MethodPost, "/pause", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"state":"PAUSED"}`, string(env.Data))

	code, env = h.do(t, http.MethodPost, "/pause", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, env.Error, "pause not allowed")

	code, env = h.do(t, http.MethodPost, "/send", `{"message":"talk about the cones please"}`)
	require.Equal(t, http.StatusOK, code, env.Error)
	var sent intervention.SendResult
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	assert.True(t, sent.Accepted)

	code, _ = h.do(t, http.MethodPost, "/answer", `{"text":"nothing to answer"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, env = h.do(t, http.MethodGet, "/log?n=10", "")
	require.Equal(t, http.StatusOK, code)
	var entries []intervention.Entry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, intervention.StatePaused, entries[0].To)
	assert.Equal(t, intervention.StateResuming, entries[2].To)

	code, _ = h.do(t, http.MethodPost, "/interrupt", `{"text":"watch the wall"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "operator", h.store.Snapshot().LastSpeaker)

	code, env = h.do(t, http.MethodPost, "/stop", "")
	require.Equal(t, http.StatusOK, code)
	var st orchestrator.Status
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.False(t, st.Active)
	assert.Equal(t, started["run_id"], st.LastRunID)
	assert.Equal(t, orchestrator.OutcomeCancelled, st.LastOutcome)
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		name, method, path, body string
	}{
		{"broken json", http.MethodPost, "/runs/batch", `{"input":`},
		{"unknown field", http.MethodPost, "/runs/batch", `{"prompt":"x"}`},
		{"negative n", http.MethodGet, "/log?n=-1", ""},
		{"no frames path", http.MethodPost, "/runs/continuous", `{}`},
		{"missing frames file", http.MethodPost, "/runs/continuous", `{"frames_path":"/does/not/exist.jsonl"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := h.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.NotEmpty(t, env.Error)
		})
	}
	assert.False(t, h.sup.Status().Active)
}

func TestStartContinuousFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"sensor":{"speed":1,"steering":0}}`+"\n"), 0o600))
	h := newHarness(t, nil)

	code, env := h.do(t, http.MethodPost, "/runs/continuous", `{"frames_path":"`+path+`","turns_per_frame":1}`)
	require.Equal(t, http.StatusAccepted, code, env.Error)
	assert.Eventually(t, func() bool {
		return h.store.Snapshot().Speed == 1
	}, 2*time.Second, 10*time.Millisecond)
	code, _ = h.do(t, http.MethodPost, "/stop", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestSnapshotView(t *testing.T) {
	h := newHarness(t, nil)
	ev, err := state.NewSensorEvent(state.SensorPayload{Speed: 1.5, Distances: map[string]float64{"front": 42}}, time.Now())
	require.NoError(t, err)
	_, err = h.store.Apply(ev)
	require.NoError(t, err)

	code, env := h.do(t, http.MethodGet, "/snapshot", "")
	require.Equal(t, http.StatusOK, code)
	var v snapshotView
	require.NoError(t, json.Unmarshal(env.Data, &v))
	assert.Equal(t, 1.5, v.Speed)
	assert.Equal(t, 42.0, v.Distances["front"])
	require.Len(t, v.RecentEvents, 1)
	assert.Equal(t, state.KindSensor, v.RecentEvents[0].Kind)
	assert.False(t, v.Stale)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.RateLimit = 0.001; o.Burst = 1 })
	code, _ := h.do(t, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, code)
	code, env := h.do(t, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "too many requests", env.Error)
}

func TestEventStreamFiltersByRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/events?run_id=r1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return h.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.hub.Emit(ctx, events.Event{RunID: "r2", Kind: events.KindTurnStart, Turn: 1}))
	require.NoError(t, h.hub.Emit(ctx, events.Event{RunID: "r1", Kind: events.KindTurnAccepted, Turn: 2, Text: "hello"}))

	var got events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, events.KindTurnAccepted, got.Kind)
	assert.Equal(t, "hello", got.Text)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return h.hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPersonaEndpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	valid := "agents:\n  - {name: Ren, persona: curious}\n  - {name: Sora, persona: patient}\n"
	require.NoError(t, os.WriteFile(path, []byte(valid), 0o600))
	lib, err := persona.NewLibrary(path, nil)
	require.NoError(t, err)
	h := newHarness(t, func(d *Deps, _ *Options) { d.Persona = lib })

	code, env := h.do(t, http.MethodGet, "/persona", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"agents":["Ren","Sora"],"generation":1,"pending":false}`, string(env.Data))

	require.NoError(t, os.WriteFile(path, []byte("agents: []\n"), 0o600))
	code, _ = h.do(t, http.MethodPost, "/persona/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	require.NoError(t, os.WriteFile(path, []byte(valid), 0o600))
	code, env = h.do(t, http.MethodPost, "/persona/reload", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"agents":["Ren","Sora"],"generation":2,"pending":false}`, string(env.Data))
}

func TestRunsAndMetricsEndpoints(t *testing.T) {
	ts, err := transcript.Open(":memory:", nil)
	require.NoError(t, err)
	defer ts.Close()
	require.NoError(t, ts.BeginRun(context.Background(), "run-1", "batch", time.Now()))

	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Transcripts = ts
		d.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("duet_turns_total 0\n"))
		})
	})

	code, env := h.do(t, http.MethodGet, "/runs", "")
	require.Equal(t, http.StatusOK, code)
	var runs []transcript.Run
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)

	code, _ = h.do(t, http.MethodGet, "/runs/run-1", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodGet, "/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, code)

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStopOnTerminalResult(t *testing.T) {
	store := state.NewStore(state.DefaultLimits(), nil)
	assert.False(t, StopOnTerminalResult(store.Snapshot()))
	ev, err := state.NewRunResultEvent(state.RunResultPayload{Outcome: state.OutcomeCollision}, time.Now())
	require.NoError(t, err)
	snap, err := store.Apply(ev)
	require.NoError(t, err)
	assert.True(t, StopOnTerminalResult(snap))
}
