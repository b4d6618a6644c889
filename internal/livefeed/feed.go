// Package livefeed streams conversation activity to operator consoles over
// WebSocket. The feed is best effort: watchers see what happens while they
// are connected and reload history via the admin REST API.
package livefeed

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// Item is one entry pushed to a console watcher.
type Item struct {
	Kind           string    `json:"kind"` // message|state|pong
	ConversationID string    `json:"conversation_id,omitempty"`
	Direction      string    `json:"direction,omitempty"` // in|out
	Body           string    `json:"body,omitempty"`
	Caller         string    `json:"caller,omitempty"`
	Detail         string    `json:"detail,omitempty"` // started|closed|blocked
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at,omitempty"`
}

// controlMessage is what a watcher may send upstream. Only keepalive pings
// are honored; everything else is ignored.
type controlMessage struct {
	Type string `json:"type"`
}

// Feed fans conversation items out to connected watchers.
type Feed struct {
	logger *logging.Logger

	mu       sync.RWMutex
	watchers map[string]map[*watcher]struct{} // conversationID -> connections
}

type watcher struct {
	conn *websocket.Conn
}

// NewFeed creates an empty feed hub.
func NewFeed(logger *logging.Logger) *Feed {
	if logger == nil {
		logger = logging.Default()
	}
	return &Feed{
		logger:   logger,
		watchers: make(map[string]map[*watcher]struct{}),
	}
}

// ServeConversation upgrades to WebSocket and registers the connection as a
// watcher of the conversation in the route.
func (f *Feed) ServeConversation(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		f.serve(conn, r)
	}).ServeHTTP(w, r)
}

func (f *Feed) serve(conn *websocket.Conn, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	if convID == "" {
		_ = websocket.JSON.Send(conn, Item{Kind: "state", Detail: "error", Reason: "missing conversation id"})
		return
	}

	wc := &watcher{conn: conn}
	f.add(convID, wc)
	defer f.remove(convID, wc)

	f.logger.Info("livefeed: watcher connected",
		"conversation_id", convID,
		"tenant_id", chi.URLParam(r, "tenantID"))

	for {
		var msg controlMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			f.logger.Debug("livefeed: watcher disconnected", "conversation_id", convID, "error", err)
			return
		}
		if msg.Type == "ping" {
			_ = websocket.JSON.Send(conn, Item{Kind: "pong"})
		}
	}
}

// Publish sends an item to every watcher of the conversation. Send errors
// are ignored; a dead connection unregisters itself when its read loop ends.
func (f *Feed) Publish(conversationID string, item Item) {
	f.mu.RLock()
	conns := make([]*watcher, 0, len(f.watchers[conversationID]))
	for wc := range f.watchers[conversationID] {
		conns = append(conns, wc)
	}
	f.mu.RUnlock()

	for _, wc := range conns {
		_ = websocket.JSON.Send(wc.conn, item)
	}
}

// WatcherCount reports how many connections watch a conversation.
func (f *Feed) WatcherCount(conversationID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.watchers[conversationID])
}

func (f *Feed) add(convID string, wc *watcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchers[convID] == nil {
		f.watchers[convID] = make(map[*watcher]struct{})
	}
	f.watchers[convID][wc] = struct{}{}
}

func (f *Feed) remove(convID string, wc *watcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watchers[convID], wc)
	if len(f.watchers[convID]) == 0 {
		delete(f.watchers, convID)
	}
}
