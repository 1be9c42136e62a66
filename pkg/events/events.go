// pkg/events/events.go

// Package events publishes dataset lifecycle events.
//
// Events are published to NATS subjects of the form:
//
//	{prefix}.{dataset_id}.{event_type}
//
// for example txnpipe.5b1f....stage.completed or txnpipe.5b1f....dataset.published.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the first token of every event subject
const DefaultSubjectPrefix = "txnpipe"

// Event types
const (
	DatasetIngested  = "dataset.ingested"
	StageCompleted   = "stage.completed"
	StageFailed      = "stage.failed"
	StageCancelled   = "stage.cancelled"
	DatasetPublished = "dataset.published"
	DatasetFailed    = "dataset.failed"
	DatasetDeleted   = "dataset.deleted"
	AnomalyResolved  = "anomaly.resolved"
)

// Event is one lifecycle notification
type Event struct {
	Type          string            `json:"type"`
	DatasetID     uuid.UUID         `json:"dataset_id"`
	Stage         string            `json:"stage,omitempty"`
	RunID         *uuid.UUID        `json:"run_id,omitempty"`
	Status        string            `json:"status,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Time          time.Time         `json:"time"`
}

// Publisher delivers lifecycle events. Publishing is best effort; callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NATSPublisher publishes JSON events on a NATS connection
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher wraps an open connection. The connection is owned by the
// caller unless Close is called.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the subject an event is published on
func (p *NATSPublisher) Subject(ev Event) string {
	return Subject(p.prefix, ev)
}

// Subject builds {prefix}.{dataset_id}.{event_type}
func Subject(prefix string, ev Event) string {
	return fmt.Sprintf("%s.%s.%s", prefix, ev.DatasetID, ev.Type)
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(ev)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	p.logger.Debug("Published event", zap.String("subject", subject))
	return nil
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	return p.nc.Drain()
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the event types in publish order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}
