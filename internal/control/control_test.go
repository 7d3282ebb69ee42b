package control

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/taskloop/internal/agent"
	"github.com/mark3labs/taskloop/internal/config"
	"github.com/mark3labs/taskloop/internal/gate"
	"github.com/mark3labs/taskloop/internal/loop"
	"github.com/mark3labs/taskloop/internal/tracker"
)

type stubBackend struct {
	tasks []tracker.Task
	done  []string
}

func (b *stubBackend) ClaimNextTask(ctx context.Context) (*tracker.SelectedTask, tracker.ClaimStatus, error) {
	for _, t := range b.tasks {
		if !t.Closed {
			return &tracker.SelectedTask{Task: t, SelectedAt: time.Now()}, tracker.ClaimOK, nil
		}
	}
	return nil, tracker.ClaimExhausted, nil
}

func (b *stubBackend) IsTaskDone(ctx context.Context, taskID string) (bool, error) {
	return false, nil
}

func (b *stubBackend) ForceTaskOpen(ctx context.Context, taskID string) error { return nil }

func (b *stubBackend) MarkTaskDone(ctx context.Context, taskID string, comment string) error {
	for i := range b.tasks {
		if b.tasks[i].ID == taskID {
			b.tasks[i].Closed = true
		}
	}
	b.done = append(b.done, taskID)
	return nil
}

type stubAgent struct{}

func (a *stubAgent) Run(ctx context.Context, prompt string) (*agent.Result, error) {
	return &agent.Result{ExitCode: 0}, nil
}

type stubGates struct{}

func (g *stubGates) RunAll(ctx context.Context, gates []config.GateSpec) ([]gate.Result, error) {
	return []gate.Result{{Name: "check", Command: "true", Passed: true}}, nil
}

// message is the decoded shape of any protocol line.
type message struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newTestServer(t *testing.T, backend *stubBackend, input string) (*Server, *bytes.Buffer) {
	t.Helper()
	var srv *Server
	ctrl, err := loop.New(loop.Config{
		Run:     "ctl-test",
		Backend: backend,
		Agent:   &stubAgent{},
		Gates:   &stubGates{},
		Effective: &config.EffectiveConfig{
			Mode:            "default",
			MaxIterations:   20,
			NoProgressLimit: 3,
		},
		OnIteration: func(r loop.IterationResult) { srv.NotifyIteration(r) },
	})
	require.NoError(t, err)

	out := &bytes.Buffer{}
	srv = NewServer(ctrl, strings.NewReader(input), out)
	return srv, out
}

// serveAll runs the server over the scripted input and decodes every
// output line, split into responses (by id) and event notifications.
func serveAll(t *testing.T, srv *Server, out *bytes.Buffer) (map[int64]message, []message) {
	t.Helper()
	require.NoError(t, srv.Serve(context.Background()))

	responses := make(map[int64]message)
	var events []message
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var m message
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line: %s", line)
		if m.Method == "event" {
			events = append(events, m)
		} else {
			responses[m.ID] = m
		}
	}
	return responses, events
}

func eventTypes(events []message) []string {
	var types []string
	for _, e := range events {
		var p struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(e.Params, &p)
		types = append(types, p.Type)
	}
	return types
}

func TestPing(t *testing.T) {
	srv, out := newTestServer(t, &stubBackend{}, `{"id":1,"method":"ping"}`+"\n")

	responses, _ := serveAll(t, srv, out)
	require.Contains(t, responses, int64(1))
	assert.Nil(t, responses[1].Error)
	assert.Equal(t, `"pong"`, string(responses[1].Result))
}

func TestUnknownMethod(t *testing.T) {
	srv, out := newTestServer(t, &stubBackend{}, `{"id":7,"method":"teleport"}`+"\n")

	responses, _ := serveAll(t, srv, out)
	require.Contains(t, responses, int64(7))
	require.NotNil(t, responses[7].Error)
	assert.Equal(t, codeUnknownMethod, responses[7].Error.Code)
	assert.Contains(t, responses[7].Error.Message, "teleport")
}

func TestInvalidJSONLine(t *testing.T) {
	srv, out := newTestServer(t, &stubBackend{}, "not json\n")

	require.NoError(t, srv.Serve(context.Background()))

	line := strings.TrimSpace(out.String())
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(line), &raw))

	// Nothing to correlate with, so the id must be an explicit null, not
	// a zero that could collide with a real request id.
	require.Contains(t, raw, "id")
	assert.Equal(t, "null", string(raw["id"]))

	var m message
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	require.NotNil(t, m.Error)
	assert.Equal(t, codeParse, m.Error.Code)
}

func TestStatus(t *testing.T) {
	srv, out := newTestServer(t, &stubBackend{}, `{"id":2,"method":"status"}`+"\n")

	responses, _ := serveAll(t, srv, out)
	require.Contains(t, responses, int64(2))

	var status loop.Status
	require.NoError(t, json.Unmarshal(responses[2].Result, &status))
	assert.Equal(t, "ctl-test", status.Run)
	assert.Equal(t, "idle", status.Phase)
	assert.Equal(t, "running", status.Terminal)
}

func TestStepCommitsOneTask(t *testing.T) {
	backend := &stubBackend{tasks: []tracker.Task{
		{ID: "1", Title: "first"},
		{ID: "2", Title: "second"},
	}}
	srv, out := newTestServer(t, backend, `{"id":1,"method":"step"}`+"\n")

	responses, events := serveAll(t, srv, out)
	require.Contains(t, responses, int64(1))

	var result struct {
		Done   bool        `json:"done"`
		Status loop.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(responses[1].Result, &result))
	assert.False(t, result.Done)
	assert.Equal(t, 1, result.Status.Iteration)
	assert.Equal(t, []string{"1"}, backend.done)
	assert.Contains(t, eventTypes(events), EventIterationFinished)
}

func TestRunToCompletion(t *testing.T) {
	backend := &stubBackend{tasks: []tracker.Task{
		{ID: "1", Title: "first"},
		{ID: "2", Title: "second"},
	}}
	srv, out := newTestServer(t, backend, `{"id":5,"method":"run"}`+"\n")

	responses, events := serveAll(t, srv, out)
	require.Contains(t, responses, int64(5))

	var result struct {
		ExitCode int         `json:"exitCode"`
		Status   loop.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(responses[5].Result, &result))
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "done", result.Status.Terminal)
	assert.Equal(t, []string{"1", "2"}, backend.done)
	assert.Contains(t, eventTypes(events), EventRunStopped)
}

func TestRunWithIterationBudget(t *testing.T) {
	backend := &stubBackend{tasks: []tracker.Task{
		{ID: "1", Title: "first"},
		{ID: "2", Title: "second"},
		{ID: "3", Title: "third"},
	}}
	srv, out := newTestServer(t, backend, `{"id":1,"method":"run","params":{"maxIterations":2}}`+"\n")

	responses, _ := serveAll(t, srv, out)
	require.Contains(t, responses, int64(1))
	assert.Equal(t, []string{"1", "2"}, backend.done)
}

func TestPauseResumeStopRespond(t *testing.T) {
	input := `{"id":1,"method":"pause"}` + "\n" +
		`{"id":2,"method":"resume"}` + "\n" +
		`{"id":3,"method":"stop"}` + "\n"
	srv, out := newTestServer(t, &stubBackend{}, input)

	responses, _ := serveAll(t, srv, out)
	for _, id := range []int64{1, 2, 3} {
		require.Contains(t, responses, id)
		assert.Nil(t, responses[id].Error)
	}
}

func TestBusyGuard(t *testing.T) {
	srv, _ := newTestServer(t, &stubBackend{}, "")

	require.True(t, srv.acquire())
	assert.False(t, srv.acquire())
	srv.release()
	assert.True(t, srv.acquire())
}

func TestNotificationHasNoID(t *testing.T) {
	backend := &stubBackend{tasks: []tracker.Task{{ID: "1", Title: "only"}}}
	srv, out := newTestServer(t, backend, `{"id":1,"method":"run"}`+"\n")

	require.NoError(t, srv.Serve(context.Background()))

	sawEvent := false
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(line), &raw))
		if string(raw["method"]) == `"event"` {
			sawEvent = true
			_, hasID := raw["id"]
			assert.False(t, hasID, "notification must not carry an id: %s", line)
		}
	}
	assert.True(t, sawEvent)
}
