package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/lead-inbox/internal/apperr"
)

const (
	// StreamName is the name of the client events stream.
	StreamName = "CLIENT_EVENTS"

	// SubjectPrefix is the prefix for all client event subjects.
	SubjectPrefix = "client"
)

type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
	pub    publisher
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client, pub: client.JetStream()}
}

// EnsureStream ensures the client events stream exists.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
		Description: "Client error events reported by lead inbox daemons",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// ErrorSubject returns the subject for an error of kind.
func ErrorSubject(kind apperr.Kind) string {
	return fmt.Sprintf("%s.errors.%s", SubjectPrefix, subjectToken(string(kind)))
}

// ErrorFilter matches every error subject.
func ErrorFilter() string {
	return fmt.Sprintf("%s.errors.>", SubjectPrefix)
}

// PublishError publishes an error event. The event ID is used as the
// message ID so redelivered publishes are deduplicated by the server.
func (m *StreamManager) PublishError(ctx context.Context, e apperr.AppError) (uint64, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal error event: %w", err)
	}

	ack, err := m.pub.Publish(ctx, ErrorSubject(e.Kind), data, jetstream.WithMsgID(e.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish error event: %w", err)
	}

	return ack.Sequence, nil
}

// ErrorHandler returns a pipeline handler that publishes each error.
func (m *StreamManager) ErrorHandler() apperr.Handler {
	return func(ctx context.Context, e apperr.AppError) error {
		_, err := m.PublishError(ctx, e)
		return err
	}
}

func subjectToken(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
