// Package notify broadcasts upload outcomes to live sessions subscribed to
// the affected files. Publishing is fire-and-forget: the vendor write has
// already succeeded, so delivery failures are logged and never surfaced.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/cloudbridge/internal/resolver"
)

// DefaultPublishTimeout bounds one background publish.
const DefaultPublishTimeout = 5 * time.Second

// Bus is the session transport. At-most-once delivery is acceptable.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Event types.
const (
	EventUpdated = "file.updated"
	EventForked  = "file.forked"
)

// Event is the JSON payload sent to subscribers.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	AccountID  string    `json:"account_id"`
	FileID     string    `json:"file_id"`
	VersionID  string    `json:"version_id,omitempty"`
	OriginalID string    `json:"original_id,omitempty"`
	NewID      string    `json:"new_id,omitempty"`
	NewName    string    `json:"new_name,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	At         time.Time `json:"at"`
}

// FileTopic is the name a subscriber uses for one file.
func FileTopic(fileID string) string {
	return "file:" + fileID
}

// Topic scopes a file topic to the user whose upload produced the event.
// Sessions only ever receive topics of their own user.
func Topic(userID, fileID string) string {
	return userID + "/" + FileTopic(fileID)
}

// Notifier turns outcomes into events.
type Notifier struct {
	bus     Bus
	timeout time.Duration
	logger  *slog.Logger

	// nowFunc returns the current time. Tests override it.
	nowFunc func() time.Time

	wg sync.WaitGroup
}

// New builds a Notifier over bus.
func New(bus Bus, timeout time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}

	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}

	return &Notifier{bus: bus, timeout: timeout, logger: logger, nowFunc: time.Now}
}

// Publish broadcasts out in the background and returns immediately. Updates
// go to the file's topic; forks go to both the original and the new file.
// Blocked outcomes wrote nothing and are not broadcast.
func (n *Notifier) Publish(userID, accountID, sessionID string, out *resolver.Outcome) {
	events := n.events(userID, accountID, sessionID, out)
	if len(events) == 0 {
		return
	}

	n.wg.Add(1)

	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		for _, e := range events {
			n.send(ctx, e)
		}
	}()
}

type topicEvent struct {
	topic string
	event Event
}

func (n *Notifier) events(userID, accountID, sessionID string, out *resolver.Outcome) []topicEvent {
	base := Event{
		ID:        uuid.NewString(),
		AccountID: accountID,
		SessionID: sessionID,
		Reason:    string(out.Reason),
		At:        n.nowFunc().UTC(),
	}

	switch out.Kind {
	case resolver.Updated:
		e := base
		e.Type = EventUpdated
		e.FileID = out.FileID
		e.VersionID = out.VersionID

		return []topicEvent{{Topic(userID, out.FileID), e}}

	case resolver.Forked:
		e := base
		e.Type = EventForked
		e.FileID = out.OriginalID
		e.VersionID = out.VersionID
		e.OriginalID = out.OriginalID
		e.NewID = out.NewID
		e.NewName = out.NewName

		var events []topicEvent
		if out.OriginalID != "" {
			events = append(events, topicEvent{Topic(userID, out.OriginalID), e})
		}

		onNew := e
		onNew.FileID = out.NewID

		return append(events, topicEvent{Topic(userID, out.NewID), onNew})

	default:
		return nil
	}
}

func (n *Notifier) send(ctx context.Context, te topicEvent) {
	payload, err := json.Marshal(te.event)
	if err != nil {
		n.logger.Warn("encoding notification failed",
			slog.String("topic", te.topic),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := n.bus.Publish(ctx, te.topic, payload); err != nil {
		n.logger.Warn("publishing notification failed",
			slog.String("topic", te.topic),
			slog.String("event_id", te.event.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	n.logger.Debug("notification published",
		slog.String("topic", te.topic),
		slog.String("type", te.event.Type),
	)
}

// Wait blocks until background publishes have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
