package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voip-ivr/ivr-handler/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans registry changes out to live-view websocket clients.
// Updates are coalesced per channel and flushed at most once per throttle
// interval; a full snapshot is also sent every snapshot interval.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	registry *session.Registry
	privacy  *session.PrivacyFilter
	maxConns int
	throttle time.Duration
	logger   *slog.Logger
	seq      atomic.Uint64

	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once

	flushMu        sync.Mutex
	pendingUpdates map[string]session.Snapshot
	pendingRemoved []string
	flushTimer     *time.Timer
}

// NewBroadcaster starts the periodic snapshot loop. maxConns of zero means
// no limit. Call Stop to end the loop.
func NewBroadcaster(reg *session.Registry, throttle, snapshotInterval time.Duration, maxConns int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		registry:       reg,
		privacy:        &session.PrivacyFilter{},
		maxConns:       maxConns,
		throttle:       throttle,
		logger:         logger.With("component", "broadcaster"),
		stop:           make(chan struct{}),
		pendingUpdates: make(map[string]session.Snapshot),
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

// SetPrivacyFilter replaces the filter applied to everything sent to
// clients and to the sessions API.
func (b *Broadcaster) SetPrivacyFilter(f *session.PrivacyFilter) {
	if f == nil {
		f = &session.PrivacyFilter{}
	}
	b.mu.Lock()
	b.privacy = f
	b.mu.Unlock()
}

func (b *Broadcaster) filter() *session.PrivacyFilter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.privacy
}

// FilterSessions returns masked copies of sessions.
func (b *Broadcaster) FilterSessions(sessions []session.Snapshot) []session.Snapshot {
	return b.filter().FilterSlice(sessions)
}

// Observe is the registry hook. It must not block.
func (b *Broadcaster) Observe(ev session.Event) {
	switch ev.Type {
	case session.EventNew, session.EventUpdate:
		b.QueueUpdate(ev.Session)
	case session.EventTerminal:
		b.QueueRemoval(ev.Session.ChannelID)
		b.broadcast(MsgCallEnded, CallEndedPayload{
			ChannelID: b.filter().MaskChannelID(ev.Session.ChannelID),
			Node:      ev.Session.Node,
			Digits:    ev.Session.Digits,
			Active:    ev.ActiveCount,
		})
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, clientSendBuffer),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()

	data, err := b.encode(MsgSnapshot, b.snapshot())
	if err == nil {
		select {
		case c.send <- data:
		default:
			// Client too slow, drop the snapshot
		}
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) QueueUpdate(s session.Snapshot) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingUpdates[s.ChannelID] = s
	b.scheduleFlushLocked()
}

func (b *Broadcaster) QueueRemoval(channelID string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	delete(b.pendingUpdates, channelID)
	b.pendingRemoved = append(b.pendingRemoved, channelID)
	b.scheduleFlushLocked()
}

// scheduleFlushLocked arms the flush timer. Caller must hold b.flushMu.
func (b *Broadcaster) scheduleFlushLocked() {
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := make([]session.Snapshot, 0, len(b.pendingUpdates))
	for _, s := range b.pendingUpdates {
		updates = append(updates, s)
	}
	removed := b.pendingRemoved
	b.pendingUpdates = make(map[string]session.Snapshot)
	b.pendingRemoved = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(updates) == 0 && len(removed) == 0 {
		return
	}

	f := b.filter()
	masked := make([]string, len(removed))
	for i, id := range removed {
		masked[i] = f.MaskChannelID(id)
	}
	b.broadcast(MsgDelta, DeltaPayload{
		Updates: f.FilterSlice(updates),
		Removed: masked,
	})
}

func (b *Broadcaster) snapshot() SnapshotPayload {
	var all []session.Snapshot
	if b.registry != nil {
		all = b.registry.All()
	}
	return SnapshotPayload{Sessions: b.FilterSessions(all)}
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			if b.ClientCount() > 0 {
				b.broadcast(MsgSnapshot, b.snapshot())
			}
		}
	}
}

func (b *Broadcaster) encode(t MessageType, payload interface{}) ([]byte, error) {
	msg := WSMessage{Type: t, Seq: b.seq.Add(1), Payload: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("broadcast marshal error", "type", t, "error", err)
		return nil, err
	}
	return data, nil
}

func (b *Broadcaster) broadcast(t MessageType, payload interface{}) {
	data, err := b.encode(t, payload)
	if err != nil {
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			b.logger.Warn("ws client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop ends the snapshot loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.stop)

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}
