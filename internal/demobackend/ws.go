package demobackend

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/VarunGitGood/livedata/internal/graphql"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{graphql.Subprotocol},
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]map[string]bool // operation id -> key filter, nil for all
}

func (s *wsSession) write(msg graphql.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(msg)
}

func (b *Backend) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var init graphql.Message
	if err := conn.ReadJSON(&init); err != nil || init.Type != graphql.MsgConnectionInit {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4400, "expected connection_init"))
		return
	}

	session := &wsSession{conn: conn, subs: make(map[string]map[string]bool)}
	if err := session.write(graphql.Message{Type: graphql.MsgConnectionAck}); err != nil {
		return
	}

	b.subsMu.Lock()
	if b.closing {
		b.subsMu.Unlock()
		return
	}
	b.subs[session] = struct{}{}
	b.subsMu.Unlock()
	defer func() {
		b.subsMu.Lock()
		delete(b.subs, session)
		b.subsMu.Unlock()
	}()

	for {
		var msg graphql.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case graphql.MsgSubscribe:
			var req graphql.Request
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				payload, _ := json.Marshal([]graphql.Error{{Message: "invalid subscribe payload"}})
				_ = session.write(graphql.Message{ID: msg.ID, Type: graphql.MsgError, Payload: payload})
				continue
			}
			session.mu.Lock()
			session.subs[msg.ID] = filterFromVariables(req.Variables)
			session.mu.Unlock()
		case graphql.MsgComplete:
			session.mu.Lock()
			delete(session.subs, msg.ID)
			session.mu.Unlock()
		case graphql.MsgPing:
			_ = session.write(graphql.Message{Type: graphql.MsgPong})
		}
	}
}

func filterFromVariables(vars map[string]any) map[string]bool {
	keys := keysFromArgs(vars)
	if keys == nil {
		return nil
	}
	filter := make(map[string]bool, len(keys))
	for _, key := range keys {
		filter[keyString(key)] = true
	}
	return filter
}

func (b *Backend) broadcast(eventType string, path []string, runID string) {
	event := AssetEvent{
		Type:      eventType,
		AssetKey:  assetKey{Path: path},
		RunID:     runID,
		Timestamp: strconv.FormatInt(b.now().UnixMilli(), 10),
	}
	data, err := json.Marshal(map[string]any{"assetEvents": event})
	if err != nil {
		return
	}
	payload, err := json.Marshal(graphql.Response{Data: data})
	if err != nil {
		return
	}

	b.subsMu.Lock()
	sessions := make([]*wsSession, 0, len(b.subs))
	for s := range b.subs {
		sessions = append(sessions, s)
	}
	b.subsMu.Unlock()

	key := keyString(path)
	for _, s := range sessions {
		s.mu.Lock()
		var ids []string
		for id, filter := range s.subs {
			if filter == nil || filter[key] {
				ids = append(ids, id)
			}
		}
		s.mu.Unlock()
		for _, id := range ids {
			if err := s.write(graphql.Message{ID: id, Type: graphql.MsgNext, Payload: payload}); err != nil {
				b.logger.Debug("dropping event for closed session", zap.Error(err))
			}
		}
	}
}

// SubscriberCount reports the number of subscribe operations currently open.
func (b *Backend) SubscriberCount() int {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	n := 0
	for s := range b.subs {
		s.mu.Lock()
		n += len(s.subs)
		s.mu.Unlock()
	}
	return n
}

// DropConnections closes every websocket session, as a restarting backend would.
func (b *Backend) DropConnections() {
	b.subsMu.Lock()
	sessions := make([]*wsSession, 0, len(b.subs))
	for s := range b.subs {
		sessions = append(sessions, s)
	}
	b.subsMu.Unlock()

	for _, s := range sessions {
		_ = s.conn.Close()
	}
}

// Close drops every session and refuses new ones.
func (b *Backend) Close() {
	b.subsMu.Lock()
	b.closing = true
	b.subsMu.Unlock()
	b.DropConnections()
}
