package operations

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harbourtools/stevedore-agent/internal/logging"
	"github.com/harbourtools/stevedore-agent/internal/progress"
)

// StreamMessage is one server-sent frame on an operation's stream. Type
// selects which of the payload fields is set.
type StreamMessage struct {
	Type      string          `json:"type"`
	Event     *progress.Event `json:"event,omitempty"`
	Outcome   *Outcome        `json:"outcome,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	StreamTypeEvent   = "event"
	StreamTypeOutcome = "outcome"
)

type subscriber struct {
	id     string
	writer io.Writer
}

// Broadcaster fans one operation's stream out to any number of attached
// writers. Every message is also kept in a replay log so a subscriber that
// attaches late sees the stream from the beginning. The outcome message
// seals the stream: it is written at most once and nothing is accepted
// after it.
type Broadcaster struct {
	operationID string
	logger      *logging.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	messageLog  []StreamMessage
	completed   bool

	completeOnce sync.Once
}

func NewBroadcaster(operationID string, logger *logging.Logger) *Broadcaster {
	return &Broadcaster{
		operationID: operationID,
		logger:      logger,
		subscribers: make(map[string]*subscriber),
		messageLog:  make([]StreamMessage, 0, 64),
	}
}

// Subscribe attaches writer and replays everything broadcast so far.
func (b *Broadcaster) Subscribe(subscriberID string, writer io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[subscriberID] = &subscriber{id: subscriberID, writer: writer}

	for _, msg := range b.messageLog {
		b.writeMessage(writer, msg)
	}

	b.logger.Debug("stream subscriber joined",
		zap.String("operation_id", b.operationID),
		zap.String("subscriber_id", subscriberID),
		zap.Int("replayed_messages", len(b.messageLog)))
}

func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, subscriberID)
}

// BroadcastEvent appends one progress event to the stream. Events offered
// after the outcome are dropped.
func (b *Broadcaster) BroadcastEvent(ev progress.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.completed {
		return
	}

	msg := StreamMessage{
		Type:      StreamTypeEvent,
		Event:     &ev,
		Timestamp: time.Now(),
	}
	b.messageLog = append(b.messageLog, msg)

	for _, sub := range b.subscribers {
		b.writeMessage(sub.writer, msg)
	}
}

// BroadcastOutcome appends the terminal message and seals the stream.
// Only the first call has any effect.
func (b *Broadcaster) BroadcastOutcome(out Outcome) {
	b.completeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.completed = true
		msg := StreamMessage{
			Type:      StreamTypeOutcome,
			Outcome:   &out,
			Timestamp: time.Now(),
		}
		b.messageLog = append(b.messageLog, msg)

		for _, sub := range b.subscribers {
			b.writeMessage(sub.writer, msg)
		}

		b.logger.Debug("stream completed",
			zap.String("operation_id", b.operationID),
			zap.String("state", string(out.State)),
			zap.Int("subscriber_count", len(b.subscribers)))
	})
}

func (b *Broadcaster) IsCompleted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.completed
}

// Messages returns a copy of the replay log.
func (b *Broadcaster) Messages() []StreamMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]StreamMessage, len(b.messageLog))
	copy(out, b.messageLog)
	return out
}

func (b *Broadcaster) writeMessage(writer io.Writer, msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal stream message",
			zap.String("operation_id", b.operationID),
			zap.Error(err))
		return
	}

	if _, err := fmt.Fprintf(writer, "data: %s\n\n", data); err != nil {
		return
	}

	if flusher, ok := writer.(interface{ Flush() }); ok {
		defer func() { _ = recover() }()
		flusher.Flush()
	}
}
