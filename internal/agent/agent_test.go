package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

type resultCall struct {
	id     string
	status string
}

// fakeConductor speaks just enough of the server protocol to drive an agent:
// registration, the worker heartbeat socket and the result endpoint. Each
// heartbeat is answered with one directive frame, taken from the directives
// channel when one is queued and zero-valued otherwise.
type fakeConductor struct {
	srv        *httptest.Server
	beats      chan api.HeartbeatRequest
	directives chan api.Directives
	results    chan resultCall

	registered    atomic.Int32
	failRegisters atomic.Int32
}

func newFakeConductor(t *testing.T) *fakeConductor {
	t.Helper()
	f := &fakeConductor{
		beats:      make(chan api.HeartbeatRequest, 16),
		directives: make(chan api.Directives, 16),
		results:    make(chan resultCall, 16),
	}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workers/register", func(w http.ResponseWriter, r *http.Request) {
		if f.failRegisters.Add(-1) >= 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(api.ErrorEnvelope{
				Error: api.ErrorBody{Code: "SYSTEM_001", Message: "not ready", Retryable: true},
			})
			return
		}
		var req api.RegisterWorkerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
			req.MachineID == "" || req.Hostname == "" || len(req.Tools) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.registered.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.RegisterWorkerResponse{
			WorkerID:          "w-test",
			HeartbeatInterval: "40ms",
		})
	})
	mux.HandleFunc("POST /api/v1/subtasks/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		var req api.SubtaskResultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		select {
		case f.results <- resultCall{id: r.PathValue("id"), status: req.Status}:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	})
	mux.HandleFunc("GET /ws/workers/{id}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var beat api.HeartbeatRequest
			if err := conn.ReadJSON(&beat); err != nil {
				return
			}
			select {
			case f.beats <- beat:
			default:
			}
			var d api.Directives
			select {
			case d = <-f.directives:
			default:
			}
			if err := conn.WriteJSON(&d); err != nil {
				return
			}
		}
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig(f *fakeConductor) Config {
	return Config{
		ServerURL: f.srv.URL,
		MachineID: "machine-1",
		Hostname:  "host-1",
		Tools:     []api.ToolSpec{{Name: "claude_code", Capabilities: []string{"code_fix"}}},
	}
}

// startAgent runs the agent in the background and returns a stop function
// that cancels it and waits for Run to come back clean.
func startAgent(t *testing.T, a *Agent) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("agent did not stop after cancel")
		}
	}
}

// waitForBeat drains heartbeats until one matches or the deadline passes.
func waitForBeat(t *testing.T, beats <-chan api.HeartbeatRequest, match func(api.HeartbeatRequest) bool) api.HeartbeatRequest {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case b := <-beats:
			if match(b) {
				return b
			}
		case <-deadline:
			t.Fatal("timed out waiting for a matching heartbeat")
			return api.HeartbeatRequest{}
		}
	}
}

func anyBeat(api.HeartbeatRequest) bool { return true }

func TestSessionLifecycle(t *testing.T) {
	f := newFakeConductor(t)
	cfg := testConfig(f)
	// Deliberately slow fallback; the 40ms cadence from registration must win
	// for the later beats to arrive in time.
	cfg.HeartbeatInterval = time.Hour
	a, err := New(cfg, quietLog())
	require.NoError(t, err)

	stop := startAgent(t, a)

	first := waitForBeat(t, f.beats, anyBeat)
	require.Empty(t, first.ActiveSubtaskIDs)
	require.Equal(t, runtime.GOOS, first.SystemInfo.OS)
	require.Equal(t, runtime.GOARCH, first.SystemInfo.Arch)

	f.directives <- api.Directives{Assignments: []api.Assignment{{
		SubtaskID: "s1",
		TaskID:    "t1",
		Name:      "Fix the flaky retry test",
		Type:      "code_fix",
		Tool:      "claude_code",
	}}}
	waitForBeat(t, f.beats, func(b api.HeartbeatRequest) bool {
		return len(b.ActiveSubtaskIDs) == 1 && b.ActiveSubtaskIDs[0] == "s1"
	})

	f.directives <- api.Directives{CancelSubtaskIDs: []string{"s1"}}
	waitForBeat(t, f.beats, func(b api.HeartbeatRequest) bool {
		return len(b.ActiveSubtaskIDs) == 0
	})

	stop()
	require.EqualValues(t, 1, f.registered.Load())
}

func TestRunRetriesRegistration(t *testing.T) {
	f := newFakeConductor(t)
	f.failRegisters.Store(1)

	a, err := New(testConfig(f), quietLog())
	require.NoError(t, err)

	stop := startAgent(t, a)
	waitForBeat(t, f.beats, anyBeat)
	stop()

	require.EqualValues(t, 1, f.registered.Load())
	require.Less(t, f.failRegisters.Load(), int32(1))
}

func TestSimulatedCompletionReportsResult(t *testing.T) {
	f := newFakeConductor(t)
	cfg := testConfig(f)
	cfg.SimulateAfter = 20 * time.Millisecond
	a, err := New(cfg, quietLog())
	require.NoError(t, err)

	stop := startAgent(t, a)

	waitForBeat(t, f.beats, anyBeat)
	f.directives <- api.Directives{Assignments: []api.Assignment{{
		SubtaskID: "s9", TaskID: "t1", Name: "Write docs", Type: "documentation",
	}}}

	select {
	case call := <-f.results:
		require.Equal(t, "s9", call.id)
		require.Equal(t, string(models.SubtaskCompleted), call.status)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the simulated result")
	}

	// Reported work leaves the active set.
	waitForBeat(t, f.beats, func(b api.HeartbeatRequest) bool {
		return len(b.ActiveSubtaskIDs) == 0
	})
	stop()
}

func TestApplyTracksAssignmentSet(t *testing.T) {
	a, err := New(Config{
		ServerURL: "http://localhost:8080",
		MachineID: "m",
		Hostname:  "h",
		Tools:     []api.ToolSpec{{Name: "aider"}},
	}, quietLog())
	require.NoError(t, err)
	ctx := context.Background()

	a.apply(ctx, api.Directives{Assignments: []api.Assignment{
		{SubtaskID: "s1", TaskID: "t1"},
		{SubtaskID: "s2", TaskID: "t1"},
	}})
	require.Equal(t, []string{"s1", "s2"}, a.activeIDs())

	// Repeats are idempotent, unknown cancels are ignored.
	a.apply(ctx, api.Directives{Assignments: []api.Assignment{{SubtaskID: "s1", TaskID: "t1"}}})
	a.apply(ctx, api.Directives{CancelSubtaskIDs: []string{"never-seen"}})
	require.Equal(t, []string{"s1", "s2"}, a.activeIDs())

	a.apply(ctx, api.Directives{CancelSubtaskIDs: []string{"s1", "s2"}, Draining: true})
	require.Empty(t, a.activeIDs())

	a.mu.Lock()
	draining := a.draining
	a.mu.Unlock()
	require.True(t, draining)
}

func TestSocketURLSchemes(t *testing.T) {
	cases := []struct {
		server string
		want   string
	}{
		{"http://conductor.local:8080", "ws://conductor.local:8080/ws/workers/w-1"},
		{"https://conductor.example.com/", "wss://conductor.example.com/ws/workers/w-1"},
		{"https://edge.example.com/conductor/", "wss://edge.example.com/conductor/ws/workers/w-1"},
		{"wss://conductor.example.com", "wss://conductor.example.com/ws/workers/w-1"},
	}
	for _, tc := range cases {
		a, err := New(Config{
			ServerURL: tc.server,
			MachineID: "m",
			Hostname:  "h",
			Tools:     []api.ToolSpec{{Name: "aider"}},
		}, quietLog())
		require.NoError(t, err)
		a.workerID = "w-1"

		got, err := a.socketURL()
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "server url %s", tc.server)
	}
}

func TestSocketURLRejectsUnknownScheme(t *testing.T) {
	a, err := New(Config{
		ServerURL: "ftp://conductor.local",
		MachineID: "m",
		Hostname:  "h",
		Tools:     []api.ToolSpec{{Name: "aider"}},
	}, quietLog())
	require.NoError(t, err)

	_, err = a.socketURL()
	require.ErrorContains(t, err, "unsupported server url scheme")
}

func TestNewRequiresIdentity(t *testing.T) {
	log := quietLog()
	tools := []api.ToolSpec{{Name: "aider"}}

	_, err := New(Config{MachineID: "m", Hostname: "h", Tools: tools}, log)
	require.ErrorContains(t, err, "server url")

	_, err = New(Config{ServerURL: "http://x", Hostname: "h", Tools: tools}, log)
	require.ErrorContains(t, err, "machine id")

	_, err = New(Config{ServerURL: "http://x", MachineID: "m", Tools: tools}, log)
	require.ErrorContains(t, err, "hostname")

	_, err = New(Config{ServerURL: "http://x", MachineID: "m", Hostname: "h"}, log)
	require.ErrorContains(t, err, "tool")
}
