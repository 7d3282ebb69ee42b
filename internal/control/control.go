// Package control implements the newline-delimited JSON surface that an
// editor integration drives the loop through. Requests carry an id,
// responses correlate strictly by that id, and notifications go out with
// method "event" and no id.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/mark3labs/taskloop/internal/logger"
	"github.com/mark3labs/taskloop/internal/loop"
)

// Error codes, JSON-RPC flavored.
const (
	codeParse         = -32700
	codeInvalidParams = -32602
	codeUnknownMethod = -32601
	codeInternal      = -32603
	codeBusy          = -32000
)

// Event type discriminators sent in notifications.
const (
	EventIterationFinished = "iteration-finished"
	EventRunStopped        = "run-stopped"
)

type request struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ID is a pointer so a parse error, which has no request to correlate
// with, goes out as "id": null.
type response struct {
	ID     *int64    `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type runParams struct {
	MaxIterations int `json:"maxIterations"`
}

// Server serves the control protocol over a reader/writer pair, usually
// stdin/stdout. One server drives one loop controller.
type Server struct {
	ctrl *loop.Controller
	in   io.Reader

	writeMu sync.Mutex
	out     io.Writer

	// Only one run or step may execute at a time.
	execMu  sync.Mutex
	running bool
}

// NewServer creates a control server over the given streams.
func NewServer(ctrl *loop.Controller, in io.Reader, out io.Writer) *Server {
	return &Server{ctrl: ctrl, in: in, out: out}
}

// Serve reads requests until EOF or context cancellation. Each request
// is handled on its own goroutine so pause and stop stay responsive
// while a run is in flight.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var wg sync.WaitGroup
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warn("Control request parse error: %v", err)
			s.writeResponse(response{Error: &rpcError{Code: codeParse, Message: "invalid JSON"}})
			continue
		}
		if req.ID == nil {
			logger.Warn("Control request without id ignored (method %q)", req.Method)
			continue
		}

		wg.Add(1)
		go func(req request) {
			defer wg.Done()
			s.handle(ctx, req)
		}(req)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req request) {
	id := *req.ID

	switch req.Method {
	case "ping":
		s.respond(id, "pong")
	case "status":
		s.respond(id, s.ctrl.Status())
	case "step":
		s.handleStep(ctx, id)
	case "run":
		s.handleRun(ctx, id, req.Params)
	case "stop":
		s.ctrl.RequestStop()
		s.respond(id, map[string]bool{"ok": true})
	case "pause":
		s.ctrl.Pause()
		s.respond(id, map[string]bool{"ok": true})
	case "resume":
		s.ctrl.Resume()
		s.respond(id, map[string]bool{"ok": true})
	default:
		s.respondError(id, codeUnknownMethod, fmt.Sprintf("unknown method %q", req.Method))
	}
}

// handleStep executes exactly one iteration and responds when it ends.
func (s *Server) handleStep(ctx context.Context, id int64) {
	if !s.acquire() {
		s.respondError(id, codeBusy, "a run is already in progress")
		return
	}
	defer s.release()

	done, err := s.ctrl.Step(ctx)
	if err != nil {
		s.respondError(id, codeInternal, err.Error())
		return
	}
	s.respond(id, map[string]any{"done": done, "status": s.ctrl.Status()})
	if done {
		s.notifyRunStopped()
	}
}

// handleRun steps the loop to a terminal state (or the requested
// iteration budget) and responds when the run ends.
func (s *Server) handleRun(ctx context.Context, id int64, raw json.RawMessage) {
	var params runParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			s.respondError(id, codeInvalidParams, "invalid run params")
			return
		}
	}

	if !s.acquire() {
		s.respondError(id, codeBusy, "a run is already in progress")
		return
	}
	defer s.release()

	start := s.ctrl.IterationCount()
	for {
		done, err := s.ctrl.Step(ctx)
		if err != nil {
			s.respondError(id, codeInternal, err.Error())
			return
		}
		if done {
			break
		}
		if params.MaxIterations > 0 && s.ctrl.IterationCount()-start >= params.MaxIterations {
			break
		}
	}

	s.respond(id, map[string]any{"exitCode": s.ctrl.ExitCode(), "status": s.ctrl.Status()})
	s.notifyRunStopped()
}

func (s *Server) acquire() bool {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Server) release() {
	s.execMu.Lock()
	s.running = false
	s.execMu.Unlock()
}

// NotifyIteration publishes an iteration-finished event. Wire it as the
// controller's OnIteration callback.
func (s *Server) NotifyIteration(result loop.IterationResult) {
	s.writeNotification(notification{
		Method: "event",
		Params: map[string]any{
			"type":      EventIterationFinished,
			"iteration": result.Number,
			"taskId":    result.TaskID,
			"outcome":   result.Outcome,
		},
	})
}

func (s *Server) notifyRunStopped() {
	s.writeNotification(notification{
		Method: "event",
		Params: map[string]any{
			"type":     EventRunStopped,
			"terminal": s.ctrl.Terminal().String(),
			"exitCode": s.ctrl.ExitCode(),
		},
	})
}

func (s *Server) respond(id int64, result any) {
	s.writeResponse(response{ID: &id, Result: result})
}

func (s *Server) respondError(id int64, code int, message string) {
	s.writeResponse(response{ID: &id, Error: &rpcError{Code: code, Message: message}})
}

func (s *Server) writeResponse(resp response) {
	s.writeLine(resp)
}

func (s *Server) writeNotification(n notification) {
	s.writeLine(n)
}

// writeLine marshals and writes one protocol line. Writes are serialized
// so concurrent handlers never interleave partial lines.
func (s *Server) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("Control response marshal error: %v", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		logger.Warn("Control response write error: %v", err)
	}
}
