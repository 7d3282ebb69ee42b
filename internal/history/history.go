// Package history persists the durable run history as an append-only
// event log over JetStream. Each iteration's result is one immutable
// event; the current run state is reconstructed by reducing the log.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gosimple/slug"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/xid"

	"github.com/mark3labs/taskloop/internal/gate"
	"github.com/mark3labs/taskloop/internal/logger"
	"github.com/mark3labs/taskloop/internal/nats"
)

// NewRunID derives a unique, log-friendly run identifier from a human
// hint (repo or task-file name) plus a sortable unique suffix.
func NewRunID(hint string) string {
	s := slug.Make(hint)
	if s == "" {
		s = "run"
	}
	return s + "-" + xid.New().String()
}

// Event is one record in the append-only run log.
type Event struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Run       string          `json:"run"`
	Type      string          `json:"type"`   // run, iteration
	Action    string          `json:"action"` // start, finish, result
	Meta      json.RawMessage `json:"meta"`
}

// IterationRecord is the durable form of one iteration's result.
type IterationRecord struct {
	Number      int           `json:"number"`
	TaskID      string        `json:"task_id"`
	Outcome     string        `json:"outcome"` // done, blocked, failed, no_task
	GateResults []gate.Result `json:"gate_results,omitempty"`
	CommentText string        `json:"comment_text,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at"`
}

// RunState is the reduced view of one run's event log.
type RunState struct {
	Run        string             `json:"run"`
	Mode       string             `json:"mode"`
	StartedAt  time.Time          `json:"started_at"`
	Iterations []*IterationRecord `json:"iterations"`
	Status     string             `json:"status"` // running, complete, aborted, stopped
	FinishedAt time.Time          `json:"finished_at,omitempty"`
}

// Apply reduces one event into the state. Unknown types and actions are
// ignored so old logs stay readable as the schema grows.
func (st *RunState) Apply(event Event) {
	switch event.Type {
	case nats.EventTypeRun:
		switch event.Action {
		case "start":
			var meta struct {
				Mode string `json:"mode"`
			}
			json.Unmarshal(event.Meta, &meta)
			st.Mode = meta.Mode
			st.StartedAt = event.Timestamp
			st.Status = "running"
		case "finish":
			var meta struct {
				Status string `json:"status"`
			}
			json.Unmarshal(event.Meta, &meta)
			st.Status = meta.Status
			st.FinishedAt = event.Timestamp
		}
	case nats.EventTypeIteration:
		if event.Action != "result" {
			return
		}
		var rec IterationRecord
		if err := json.Unmarshal(event.Meta, &rec); err != nil {
			return
		}
		st.Iterations = append(st.Iterations, &rec)
	}
}

// Store appends to and reduces the run event log.
type Store struct {
	js     jetstream.JetStream
	stream jetstream.Stream
}

// NewStore creates a history store over the given stream.
func NewStore(js jetstream.JetStream, stream jetstream.Stream) *Store {
	return &Store{js: js, stream: stream}
}

// RecordRunStarted appends the run-start event.
func (s *Store) RecordRunStarted(ctx context.Context, run, mode string) error {
	return s.publish(ctx, run, nats.EventTypeRun, "start", map[string]string{"mode": mode})
}

// RecordRunFinished appends the terminal run event. Status is one of
// complete, aborted, stopped.
func (s *Store) RecordRunFinished(ctx context.Context, run, status string) error {
	return s.publish(ctx, run, nats.EventTypeRun, "finish", map[string]string{"status": status})
}

// RecordIteration appends one iteration's result. Results are append-only
// and never mutated after creation.
func (s *Store) RecordIteration(ctx context.Context, run string, rec IterationRecord) error {
	return s.publish(ctx, run, nats.EventTypeIteration, "result", rec)
}

func (s *Store) publish(ctx context.Context, run, eventType, action string, meta any) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling event meta: %w", err)
	}

	event := Event{
		ID:        xid.New().String(),
		Timestamp: time.Now(),
		Run:       run,
		Type:      eventType,
		Action:    action,
		Meta:      metaJSON,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	subject := nats.SubjectForEvent(run, eventType)
	logger.Debug("Publishing event: run=%s type=%s action=%s", run, eventType, action)
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing event to %s: %w", subject, err)
	}
	return nil
}

// LoadState reconstructs the run's current state by reducing its event
// log from the beginning. Malformed events are skipped with a warning,
// never fatal.
func (s *Store) LoadState(ctx context.Context, run string) (*RunState, error) {
	consumer, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: nats.SubjectForRun(run),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer for run %s: %w", run, err)
	}

	state := &RunState{Run: run}

	const batchSize = 1000
	malformed := 0
	for {
		msgs, err := consumer.FetchNoWait(batchSize)
		if err != nil {
			break
		}

		msgCount := 0
		for msg := range msgs.Messages() {
			msgCount++
			var event Event
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				malformed++
				msg.Ack()
				continue
			}
			state.Apply(event)
			msg.Ack()
		}

		if msgCount < batchSize {
			break
		}
	}

	if malformed > 0 {
		logger.Warn("Skipped %d malformed events while loading run %s", malformed, run)
	}
	logger.Debug("Run state loaded: %s, %d iterations, status=%s", run, len(state.Iterations), state.Status)
	return state, nil
}

// Summary renders a short human-readable digest of the run, used by the
// agent-facing history tool and the status surface.
func (st *RunState) Summary() string {
	done, failed := 0, 0
	for _, it := range st.Iterations {
		switch it.Outcome {
		case "done":
			done++
		case "failed":
			failed++
		}
	}
	return fmt.Sprintf("run %s: %d iterations (%d done, %d failed), status %s",
		st.Run, len(st.Iterations), done, failed, statusOrRunning(st.Status))
}

func statusOrRunning(status string) string {
	if status == "" {
		return "running"
	}
	return status
}
