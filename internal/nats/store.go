package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName = "taskloop_events"

	// Event types
	EventTypeRun       = "run"
	EventTypeIteration = "iteration"
)

// SubjectForRun returns the wildcard subject pattern for all events in
// a run. Example: "taskloop.run-x1.>"
func SubjectForRun(run string) string {
	return fmt.Sprintf("taskloop.%s.>", run)
}

// SubjectForEvent returns the specific subject for an event type in a
// run. Example: "taskloop.run-x1.iteration"
func SubjectForEvent(run, eventType string) string {
	return fmt.Sprintf("taskloop.%s.%s", run, eventType)
}

// SetupStream creates or updates the JetStream stream for taskloop
// events. One stream holds every run, 30-day retention.
func SetupStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"taskloop.>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   30 * 24 * time.Hour,
	})
}
