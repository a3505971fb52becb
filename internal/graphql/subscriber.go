package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Subprotocol is the websocket subprotocol of graphql-ws.
const Subprotocol = "graphql-transport-ws"

// graphql-transport-ws message types.
const (
	MsgConnectionInit = "connection_init"
	MsgConnectionAck  = "connection_ack"
	MsgPing           = "ping"
	MsgPong           = "pong"
	MsgSubscribe      = "subscribe"
	MsgNext           = "next"
	MsgError          = "error"
	MsgComplete       = "complete"
)

// Message is one graphql-transport-ws frame.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var ErrSubscriptionClosed = errors.New("graphql: subscription closed by server")

const (
	defaultAckTimeout  = 10 * time.Second
	subscribeWriteWait = 10 * time.Second
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Subscriber struct {
	endpoint   string
	dialer     Dialer
	header     http.Header
	ackTimeout time.Duration
	logger     *zap.Logger
}

type SubscriberOption func(*Subscriber)

func WithDialer(d Dialer) SubscriberOption {
	return func(s *Subscriber) { s.dialer = d }
}

func WithAckTimeout(d time.Duration) SubscriberOption {
	return func(s *Subscriber) { s.ackTimeout = d }
}

func WithSubscriberLogger(l *zap.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l }
}

func WithSubscriberHeader(key, value string) SubscriberOption {
	return func(s *Subscriber) { s.header.Add(key, value) }
}

func NewSubscriber(endpoint string, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{Subprotocol},
		},
		header:     make(http.Header),
		ackTimeout: defaultAckTimeout,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscription is a single running operation. Events is closed when the
// operation ends; Err then reports why.
type Subscription struct {
	ID     string
	Events <-chan Response

	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	errMu sync.Mutex
	err   error
}

// Subscribe dials the endpoint, completes the connection handshake and
// starts the operation. The subscription ends when ctx is done, the server
// completes it, or the connection fails.
func (s *Subscriber) Subscribe(ctx context.Context, query string, vars map[string]any) (*Subscription, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.endpoint, s.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: status %d: %v", ErrTransport, s.endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, s.endpoint, err)
	}

	if err := s.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}

	payload, err := json.Marshal(Request{Query: query, Variables: vars})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode subscribe payload: %w", err)
	}

	events := make(chan Response, 16)
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ID:     uuid.NewString(),
		Events: events,
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := sub.write(Message{ID: sub.ID, Type: MsgSubscribe, Payload: payload}); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", ErrTransport, err)
	}

	go sub.readLoop(subCtx, events, s.logger)
	go func() {
		select {
		case <-subCtx.Done():
			_ = sub.write(Message{ID: sub.ID, Type: MsgComplete})
			_ = conn.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

func (s *Subscriber) handshake(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(subscribeWriteWait))
	if err := conn.WriteJSON(Message{Type: MsgConnectionInit}); err != nil {
		return fmt.Errorf("%w: connection_init: %v", ErrTransport, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.ackTimeout))
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("%w: waiting for connection_ack: %v", ErrTransport, err)
		}
		switch msg.Type {
		case MsgConnectionAck:
			_ = conn.SetReadDeadline(time.Time{})
			return nil
		case MsgPing:
			if err := conn.WriteJSON(Message{Type: MsgPong}); err != nil {
				return fmt.Errorf("%w: pong: %v", ErrTransport, err)
			}
		default:
			return fmt.Errorf("%w: unexpected %q before connection_ack", ErrTransport, msg.Type)
		}
	}
}

func (sub *Subscription) readLoop(ctx context.Context, events chan<- Response, logger *zap.Logger) {
	defer close(sub.done)
	defer close(events)
	defer sub.conn.Close()
	defer sub.cancel()

	for {
		var msg Message
		if err := sub.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				sub.setErr(fmt.Errorf("%w: read: %v", ErrTransport, err))
			}
			return
		}

		switch msg.Type {
		case MsgNext:
			if msg.ID != sub.ID {
				continue
			}
			var resp Response
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				logger.Warn("dropping undecodable subscription payload", zap.String("id", sub.ID), zap.Error(err))
				continue
			}
			select {
			case events <- resp:
			case <-ctx.Done():
				return
			}
		case MsgError:
			var gqlErrs []Error
			if err := json.Unmarshal(msg.Payload, &gqlErrs); err != nil {
				gqlErrs = []Error{{Message: string(msg.Payload)}}
			}
			sub.setErr(&ResponseError{Errors: gqlErrs})
			return
		case MsgComplete:
			if msg.ID == sub.ID {
				sub.setErr(ErrSubscriptionClosed)
				return
			}
		case MsgPing:
			if err := sub.write(Message{Type: MsgPong}); err != nil {
				sub.setErr(fmt.Errorf("%w: pong: %v", ErrTransport, err))
				return
			}
		case MsgPong:
		default:
			logger.Debug("ignoring subscription message", zap.String("type", msg.Type))
		}
	}
}

func (sub *Subscription) write(msg Message) error {
	sub.writeMu.Lock()
	defer sub.writeMu.Unlock()
	_ = sub.conn.SetWriteDeadline(time.Now().Add(subscribeWriteWait))
	return sub.conn.WriteJSON(msg)
}

func (sub *Subscription) setErr(err error) {
	sub.errMu.Lock()
	defer sub.errMu.Unlock()
	if sub.err == nil {
		sub.err = err
	}
}

// Err reports why the subscription ended. It is nil while running and after
// a local Close.
func (sub *Subscription) Err() error {
	sub.errMu.Lock()
	defer sub.errMu.Unlock()
	return sub.err
}

// Close ends the subscription and waits for the reader to exit.
func (sub *Subscription) Close() {
	sub.cancel()
	<-sub.done
}

// Done is closed once the subscription has fully stopped.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}
