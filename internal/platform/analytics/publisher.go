// Package analytics publishes fire-and-forget usage events to NATS
// JetStream. Nothing in the daemon waits on analytics.
package analytics

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const StreamName = "WATCHLIST_ANALYTICS"

// Subject constants for every analytics event type.
const (
	SubjectSessionRegistered      = "analytics.session.registered"
	SubjectSessionLoggedIn        = "analytics.session.logged_in"
	SubjectSessionLoggedOut       = "analytics.session.logged_out"
	SubjectWatchlistAdded         = "analytics.watchlist.added"
	SubjectWatchlistUpdated       = "analytics.watchlist.updated"
	SubjectWatchlistRemoved       = "analytics.watchlist.removed"
	SubjectCatalogSearched        = "analytics.catalog.searched"
	SubjectCatalogAnimeViewed     = "analytics.catalog.anime_viewed"
	SubjectQuestionnaireSubmitted = "analytics.questionnaire.submitted"
)

// Event is the envelope sent to all analytics.* subjects.
type Event struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	UserID     string         `json:"user_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Publisher publishes analytics events to NATS JetStream.
// The zero value and a nil pointer are both safe no-op stubs.
type Publisher struct {
	js  nats.JetStreamContext
	log *zap.Logger
	now func() time.Time
}

// New creates a Publisher using an existing JetStream context.
// Pass js=nil to get a no-op stub.
func New(js nats.JetStreamContext, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{js: js, log: log, now: time.Now}
}

// FromConn opens JetStream on nc and makes sure the analytics stream
// exists. A nil nc yields a no-op publisher.
func FromConn(nc *nats.Conn, log *zap.Logger) (*Publisher, error) {
	if nc == nil {
		return New(nil, log), nil
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	p := New(js, log)
	if _, err := js.StreamInfo(StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     StreamName,
			Subjects: []string{"analytics.>"},
			Storage:  nats.FileStorage,
			MaxAge:   7 * 24 * time.Hour,
		})
		if err != nil {
			p.log.Warn("failed to create analytics stream (may already exist)", zap.Error(err))
		}
	}
	return p, nil
}

// Enabled reports whether events leave the process.
func (p *Publisher) Enabled() bool {
	return p != nil && p.js != nil
}

// Publish sends an analytics event asynchronously.
// Failures are logged as warnings and never surface to the caller.
func (p *Publisher) Publish(subject, eventName, userID string, props map[string]any) {
	if !p.Enabled() {
		return
	}
	data, err := p.encode(eventName, userID, props)
	if err != nil {
		p.log.Warn("analytics: marshal failed", zap.String("event", eventName), zap.Error(err))
		return
	}
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		p.log.Warn("analytics: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (p *Publisher) encode(eventName, userID string, props map[string]any) ([]byte, error) {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	return json.Marshal(Event{
		EventID:    uuid.NewString(),
		EventName:  eventName,
		UserID:     userID,
		OccurredAt: now().UTC(),
		Properties: props,
	})
}
