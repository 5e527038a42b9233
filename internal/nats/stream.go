package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/pkg/logger"
	"github.com/capitalize-ai/board-presence/pkg/metrics"
)

const (
	// StreamName is the name of the presence stream.
	StreamName = "PRESENCE"

	// SubjectPrefix is the prefix for all presence subjects.
	SubjectPrefix = "presence"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
	maxAge time.Duration
}

// NewStreamManager creates a new stream manager. Changes older than maxAge
// are discarded by the server.
func NewStreamManager(client *Client, maxAge time.Duration) *StreamManager {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &StreamManager{client: client, maxAge: maxAge}
}

// EnsureStream creates the presence stream if it does not exist.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.maxAge,
		MaxBytes:    256 * 1024 * 1024,
		Storage:     jetstream.MemoryStorage,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
		Description: "Session presence changes",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// ChangeSubject returns the subject for a change.
func ChangeSubject(kind model.ChangeKind, sessionID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, subjectToken(string(kind)), subjectToken(sessionID))
}

// SessionFilter returns the filter subject for every change of a session.
func SessionFilter(sessionID string) string {
	return fmt.Sprintf("%s.*.%s", SubjectPrefix, subjectToken(sessionID))
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// RecentChanges reads the latest change of up to limit subjects matching
// filter. An empty filter reads every subject.
func (m *StreamManager) RecentChanges(ctx context.Context, filter string, limit int) ([]model.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	if filter == "" {
		filter = fmt.Sprintf("%s.>", SubjectPrefix)
	}

	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch changes: %w", err)
	}

	changes := make([]model.Change, 0, limit)
	for msg := range batch.Messages() {
		var change model.Change
		if err := json.Unmarshal(msg.Data(), &change); err != nil {
			continue
		}
		changes = append(changes, change)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("batch error: %w", err)
	}

	return changes, nil
}

// Publisher forwards store changes to JetStream. It implements
// service.Notifier and never blocks the caller on acknowledgements.
type Publisher struct {
	client *Client
	logger *logger.Logger
}

// NewPublisher creates a publisher on an established client.
func NewPublisher(client *Client, log *logger.Logger) *Publisher {
	return &Publisher{client: client, logger: log.Named("nats")}
}

// Notify publishes change asynchronously.
func (p *Publisher) Notify(change model.Change) {
	data, err := json.Marshal(change)
	if err != nil {
		metrics.NATSPublishFailures.Inc()
		p.logger.Error("failed to marshal change", zap.String("kind", string(change.Kind)), zap.Error(err))
		return
	}

	subject := ChangeSubject(change.Kind, change.SessionID)
	if _, err := p.client.JetStream().PublishAsync(subject, data, jetstream.WithStallWait(50*time.Millisecond)); err != nil {
		metrics.NATSPublishFailures.Inc()
		p.logger.Warn("failed to publish change", zap.String("subject", subject), zap.Error(err))
	}
}

// Flush waits for outstanding publishes to be acknowledged.
func (p *Publisher) Flush(ctx context.Context) error {
	select {
	case <-p.client.JetStream().PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
