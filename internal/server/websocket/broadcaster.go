// Package websocket provides the in-process WebSocket feed for the Nexus
// SIEM dashboard. The Broadcaster fans freshly created notifications out to
// all currently-connected browser clients without blocking the alerting
// pipeline.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     notification messages. A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to the alert manager.
//   - Named clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - Anonymous subscribers (used by the integration layer) receive
//     storage.Notification values directly via a second sync.Map.
//   - Closing a subscription or unregistering a client signals the associated
//     WebSocket pump goroutine to exit cleanly.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-siem/backend/internal/storage"
)

// NotificationData holds the structured notification payload sent to browser
// clients as part of a Message envelope.
type NotificationData struct {
	ID        int64  `json:"id"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Source    string `json:"source"`
	Severity  string `json:"severity"`
	Recovery  int    `json:"recovery"`
	Stage     string `json:"stage,omitempty"`
	AlertID   int64  `json:"alert_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Message is the top-level JSON envelope pushed to browser WebSocket clients.
// Type is always "notification" for notification events.
type Message struct {
	Type string           `json:"type"`
	Data NotificationData `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded notification
// frames are delivered. The channel is closed when the client is
// unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans notifications out to all currently-connected WebSocket
// clients (via Register/Unregister/Broadcast) and to all anonymous channel
// subscribers (via Subscribe/Unsubscribe/Publish). It is safe for concurrent
// use and satisfies the alerting package's Publisher interface.
type Broadcaster struct {
	// Named WebSocket clients — keyed by string client ID.
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	// Anonymous subscribers — keyed by the receive-only channel pointer.
	subs sync.Map // map[<-chan storage.Notification]chan storage.Notification

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client and per-subscriber channel buffer depth. Pass 0
// to use the default of 64, which comfortably absorbs the burst produced by
// a full sync cycle's worth of detections.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id, stores it in the
// broadcaster, and returns a pointer to it. The caller must call
// Unregister(id) to release resources when the client disconnects.
//
// If the broadcaster is already closed, Register returns a Client whose Send
// channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes its
// Send channel so the associated write goroutine exits cleanly. Calling
// Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast marshals msg to JSON and delivers the payload to every registered
// client using a non-blocking send. When a client's buffer is full the
// message is dropped and the client's Dropped counter is incremented.
func (b *Broadcaster) Broadcast(msg Message) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
			// delivered
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping notification",
				slog.String("client_id", c.id),
			)
		}
		return true // continue ranging
	})
}

// Subscribe registers an anonymous subscriber and returns a channel on which
// storage.Notification values will be delivered. The channel is buffered;
// when the buffer is full a subsequent Publish call drops the notification
// for that subscriber rather than blocking.
//
// The channel is closed automatically when ctx is cancelled or when Close is
// called. Call Unsubscribe to release resources before the context is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan storage.Notification {
	ch := make(chan storage.Notification, b.bufSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subs.Store(ch, ch)

	// Unsubscribe automatically when the caller's context is cancelled.
	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(ch)
		}()
	}

	return ch
}

// Unsubscribe removes the subscription associated with ch and closes the
// channel so the consumer loop exits cleanly. It is safe to call Unsubscribe
// after the broadcaster has been closed.
func (b *Broadcaster) Unsubscribe(ch <-chan storage.Notification) {
	if actual, loaded := b.subs.LoadAndDelete(ch); loaded {
		close(actual.(chan storage.Notification))
	}
}

// Publish delivers n to every anonymous subscriber and also converts it to a
// Message that is broadcast to every registered WebSocket client.
//
// The non-blocking select/default pattern ensures that a slow subscriber or
// client never stalls the alert manager's mutation path.
func (b *Broadcaster) Publish(n storage.Notification) {
	if b.closed.Load() {
		return
	}

	// Deliver to Subscribe() subscribers as raw storage.Notification.
	b.subs.Range(func(key, value any) bool {
		ch := value.(chan storage.Notification)
		select {
		case ch <- n:
			// delivered
		default:
			b.logger.Warn("websocket broadcaster: subscriber buffer full, dropping notification",
				slog.Int64("notification_id", n.ID),
				slog.String("type", string(n.Type)),
			)
		}
		return true // continue ranging
	})

	// Convert to Message and fan out to registered WebSocket clients.
	b.Broadcast(Message{
		Type: "notification",
		Data: NotificationData{
			ID:        n.ID,
			Message:   n.Message,
			Type:      string(n.Type),
			Title:     n.Title,
			Source:    n.Source,
			Severity:  n.Severity,
			Recovery:  n.Recovery,
			Stage:     n.Stage,
			AlertID:   n.AlertID,
			CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
}

// Close removes all subscriptions and registered clients, drains and closes
// every channel, and releases internal resources. After Close returns,
// Publish and Broadcast are no-ops and Subscribe returns a closed channel.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		// Close all anonymous subscriber channels.
		b.subs.Range(func(key, value any) bool {
			b.subs.Delete(key)
			close(value.(chan storage.Notification))
			return true
		})

		// Close all registered WebSocket client channels.
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
