// Package agent implements the reference worker agent. It registers with a
// conductor, keeps a heartbeat WebSocket alive with exponential backoff
// between sessions, reports host utilization sampled via gopsutil, and acts
// on the directives it receives: new assignments and cancellations are
// logged, the draining flag is tracked. The agent executes no AI tools; an
// optional simulation mode reports assignments as completed after a fixed
// delay so a deployment can be exercised end to end.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

const (
	defaultHeartbeat = 30 * time.Second
	dialTimeout      = 10 * time.Second
	writeWait        = 10 * time.Second
	closeGrace       = 2 * time.Second
)

// Config describes the agent's identity and behavior.
type Config struct {
	ServerURL string // conductor base URL, e.g. http://localhost:8080
	MachineID string
	Hostname  string
	Tools     []api.ToolSpec
	Tags      []string
	OnPrem    bool

	// HeartbeatInterval is the fallback cadence; the value returned by
	// registration wins.
	HeartbeatInterval time.Duration

	// SimulateAfter, when positive, reports every assignment as completed
	// after this delay. Zero leaves assignments untouched.
	SimulateAfter time.Duration
}

// Agent is one worker process talking to a conductor.
type Agent struct {
	cfg     Config
	client  *http.Client
	dialer  *websocket.Dialer
	sampler *Sampler
	log     *logrus.Logger

	workerID string
	interval time.Duration

	mu       sync.Mutex
	active   map[string]api.Assignment
	draining bool
}

// New builds an agent. ServerURL, MachineID, Hostname and at least one tool
// are required.
func New(cfg Config, log *logrus.Logger) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if cfg.MachineID == "" {
		return nil, errors.New("machine id is required")
	}
	if cfg.Hostname == "" {
		return nil, errors.New("hostname is required")
	}
	if len(cfg.Tools) == 0 {
		return nil, errors.New("at least one tool is required")
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	return &Agent{
		cfg:      cfg,
		client:   &http.Client{Timeout: 15 * time.Second},
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout},
		sampler:  NewSampler(),
		log:      log,
		interval: cfg.HeartbeatInterval,
		active:   make(map[string]api.Assignment),
	}, nil
}

// Run registers and streams heartbeats until ctx is cancelled. Every session
// loss re-registers from scratch; machine id keeps the worker row stable, and
// a deregistered worker simply comes back as a fresh one.
func (a *Agent) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		err := a.session(ctx, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		a.log.WithError(err).WithField("retry_in", wait.Round(time.Millisecond).String()).Warn("session lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session is one register-then-stream cycle. connected fires once the socket
// is up so the caller can reset its backoff.
func (a *Agent) session(ctx context.Context, connected func()) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	return a.stream(ctx, connected)
}

func (a *Agent) register(ctx context.Context) error {
	payload, err := json.Marshal(&api.RegisterWorkerRequest{
		MachineID:  a.cfg.MachineID,
		Hostname:   a.cfg.Hostname,
		Tools:      a.cfg.Tools,
		OnPrem:     a.cfg.OnPrem,
		Tags:       a.cfg.Tags,
		SystemInfo: a.sampler.Sample(),
	})
	if err != nil {
		return fmt.Errorf("encoding register request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.ServerURL+"/api/v1/workers/register", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("register: %s", apiError(resp))
	}

	var out api.RegisterWorkerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("register: decoding response: %w", err)
	}
	a.workerID = out.WorkerID
	a.interval = a.cfg.HeartbeatInterval
	if d, err := time.ParseDuration(out.HeartbeatInterval); err == nil && d > 0 {
		a.interval = d
	}
	a.log.WithFields(logrus.Fields{
		"worker_id": a.workerID,
		"interval":  a.interval.String(),
	}).Info("registered with conductor")
	return nil
}

// stream holds the heartbeat socket: beats out on the interval, directive
// frames in, server pings answered by the read side. The read deadline is
// generous enough to ride out one missed directive before giving up.
func (a *Agent) stream(ctx context.Context, connected func()) error {
	target, err := a.socketURL()
	if err != nil {
		return err
	}
	conn, resp, err := a.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return fmt.Errorf("dial %s: %w (%s)", target, err, apiError(resp))
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()
	connected()
	a.log.WithField("worker_id", a.workerID).Info("heartbeat stream open")

	readWait := 2*a.interval + writeWait
	conn.SetReadLimit(64 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeWait))
	})

	readErr := make(chan error, 1)
	go a.readDirectives(ctx, conn, readWait, readErr)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	if err := a.sendBeat(conn); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			a.closeGracefully(conn, readErr)
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := a.sendBeat(conn); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) readDirectives(ctx context.Context, conn *websocket.Conn, readWait time.Duration, readErr chan<- error) {
	for {
		var d api.Directives
		if err := conn.ReadJSON(&d); err != nil {
			readErr <- err
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		a.apply(ctx, d)
	}
}

// apply reconciles a directive frame against the local assignment set and
// logs the deltas a real worker would act on.
func (a *Agent) apply(ctx context.Context, d api.Directives) {
	a.mu.Lock()
	var added []api.Assignment
	for _, asgn := range d.Assignments {
		if _, ok := a.active[asgn.SubtaskID]; ok {
			continue
		}
		a.active[asgn.SubtaskID] = asgn
		added = append(added, asgn)
	}
	var cancelled []string
	for _, id := range d.CancelSubtaskIDs {
		if _, ok := a.active[id]; ok {
			delete(a.active, id)
			cancelled = append(cancelled, id)
		}
	}
	startedDraining := d.Draining && !a.draining
	a.draining = d.Draining
	a.mu.Unlock()

	for _, asgn := range added {
		a.log.WithFields(logrus.Fields{
			"subtask_id": asgn.SubtaskID,
			"task_id":    asgn.TaskID,
			"name":       asgn.Name,
			"type":       asgn.Type,
			"tool":       asgn.Tool,
		}).Info("assignment received")
		if a.cfg.SimulateAfter > 0 {
			go a.simulateCompletion(ctx, asgn)
		}
	}
	for _, id := range cancelled {
		a.log.WithField("subtask_id", id).Info("assignment cancelled")
	}
	if startedDraining {
		a.log.Info("draining: finishing current work, no new assignments")
	}
}

func (a *Agent) sendBeat(conn *websocket.Conn) error {
	beat := api.HeartbeatRequest{
		SystemInfo:       a.sampler.Sample(),
		ActiveSubtaskIDs: a.activeIDs(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(&beat); err != nil {
		return fmt.Errorf("heartbeat write: %w", err)
	}
	return nil
}

// closeGracefully announces the departure and waits briefly for the close
// handshake so the server logs a clean disconnect instead of a read error.
func (a *Agent) closeGracefully(conn *websocket.Conn, readErr <-chan error) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent shutting down")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	select {
	case <-readErr:
	case <-time.After(closeGrace):
	}
}

// simulateCompletion reports the assignment as completed after the
// configured delay. It stands in for tool execution so an otherwise idle
// fleet can drive tasks to terminal states.
func (a *Agent) simulateCompletion(ctx context.Context, asgn api.Assignment) {
	timer := time.NewTimer(a.cfg.SimulateAfter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	a.mu.Lock()
	_, still := a.active[asgn.SubtaskID]
	a.mu.Unlock()
	if !still {
		return
	}

	if err := a.reportResult(ctx, asgn.SubtaskID); err != nil {
		a.log.WithError(err).WithField("subtask_id", asgn.SubtaskID).Warn("result report failed")
		return
	}
	a.mu.Lock()
	delete(a.active, asgn.SubtaskID)
	a.mu.Unlock()
	a.log.WithFields(logrus.Fields{
		"subtask_id": asgn.SubtaskID,
		"task_id":    asgn.TaskID,
	}).Info("simulated completion reported")
}

func (a *Agent) reportResult(ctx context.Context, subtaskID string) error {
	payload, err := json.Marshal(&api.SubtaskResultRequest{
		Status: string(models.SubtaskCompleted),
		Output: map[string]any{"simulated": true, "agent": a.cfg.Hostname},
	})
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v1/subtasks/%s/result", a.cfg.ServerURL, subtaskID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building result request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("result rejected: %s", apiError(resp))
	}
	return nil
}

func (a *Agent) activeIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// socketURL derives the worker stream endpoint from the server base URL.
func (a *Agent) socketURL() (string, error) {
	u, err := url.Parse(a.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/workers/" + a.workerID
	return u.String(), nil
}

// apiError renders the server's error envelope, falling back to the raw
// body.
func apiError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope api.ErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return fmt.Sprintf("%s (%s)", envelope.Error.Message, envelope.Error.Code)
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
