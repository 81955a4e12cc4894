package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/paul/grapevine/pkg/event"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType represents the type of Nostr protocol message
type MessageType string

const (
	MessageTypeEvent  MessageType = "EVENT"
	MessageTypeReq    MessageType = "REQ"
	MessageTypeClose  MessageType = "CLOSE"
	MessageTypeEOSE   MessageType = "EOSE"   // End of stored events
	MessageTypeOK     MessageType = "OK"     // Command result
	MessageTypeNotice MessageType = "NOTICE" // Human-readable message
	MessageTypeAuth   MessageType = "AUTH"   // NIP-42 authentication
	MessageTypeCount  MessageType = "COUNT"  // NIP-45 event counting
	MessageTypeClosed MessageType = "CLOSED" // Subscription ended by the relay
)

// ErrClientClosed is returned by the Send methods once the connection ended.
var ErrClientClosed = errors.New("client closed")

// Handler processes Nostr protocol messages. Handlers answer through the
// client's Send methods.
type Handler interface {
	HandleEvent(ctx context.Context, c *Client, evt *event.Event) error
	HandleReq(ctx context.Context, c *Client, subID string, filters []*event.Filter) error
	HandleClose(ctx context.Context, c *Client, subID string) error
	HandleCount(ctx context.Context, c *Client, countID string, filters []*event.Filter) error
	HandleAuth(ctx context.Context, c *Client, evt *event.Event) error
}

// ClientOptions tunes a connection. Zero values use the defaults.
type ClientOptions struct {
	MaxMessageSize int64
	WriteTimeout   time.Duration
	SendBuffer     int
	Log            zerolog.Logger
}

// Client represents a WebSocket client connection
type Client struct {
	conn      *websocket.Conn
	handler   Handler
	opts      ClientOptions
	challenge string
	log       zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]context.CancelFunc // subID -> live subscription
	pubkey string

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new WebSocket client with a fresh AUTH challenge.
func NewClient(conn *websocket.Conn, handler Handler, opts ClientOptions) *Client {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	c := &Client{
		conn:      conn,
		handler:   handler,
		opts:      opts,
		challenge: uuid.NewString(),
		log:       opts.Log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		subs:      make(map[string]context.CancelFunc),
		sendCh:    make(chan []byte, opts.SendBuffer),
		closeCh:   make(chan struct{}),
	}
	c.log.Debug().Msg("new connection")
	return c
}

// Start begins processing messages from the client
// This method blocks until the connection is closed
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.readPump(ctx)
	}()

	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()

	wg.Wait()
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		if err := c.handleMessage(ctx, message); err != nil {
			c.log.Debug().Err(err).Msg("error handling message")
			c.SendNotice(fmt.Sprintf("error: %v", err))
		}
	}
}

// writePump sends messages to the WebSocket connection
func (c *Client) writePump(ctx context.Context) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case message := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("websocket write error")
				return
			}
		}
	}
}

// handleMessage processes a single protocol message
func (c *Client) handleMessage(ctx context.Context, message []byte) error {
	var raw []jsoniter.RawMessage
	if err := json.Unmarshal(message, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if len(raw) == 0 {
		return fmt.Errorf("empty message")
	}

	var msgType string
	if err := json.Unmarshal(raw[0], &msgType); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	switch MessageType(msgType) {
	case MessageTypeEvent:
		return c.handleEventMessage(ctx, raw)
	case MessageTypeReq:
		return c.handleReqMessage(ctx, raw)
	case MessageTypeClose:
		return c.handleCloseMessage(ctx, raw)
	case MessageTypeCount:
		return c.handleCountMessage(ctx, raw)
	case MessageTypeAuth:
		return c.handleAuthMessage(ctx, raw)
	default:
		return fmt.Errorf("unknown message type: %s", msgType)
	}
}

func parseEvent(raw []jsoniter.RawMessage, name string) (*event.Event, error) {
	if len(raw) != 2 {
		return nil, fmt.Errorf("%s message must have 2 elements", name)
	}
	var evt event.Event
	if err := json.Unmarshal(raw[1], &evt); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return &evt, nil
}

// handleEventMessage processes an EVENT message
func (c *Client) handleEventMessage(ctx context.Context, raw []jsoniter.RawMessage) error {
	evt, err := parseEvent(raw, "EVENT")
	if err != nil {
		return err
	}
	return c.handler.HandleEvent(ctx, c, evt)
}

// handleAuthMessage processes a NIP-42 AUTH response
func (c *Client) handleAuthMessage(ctx context.Context, raw []jsoniter.RawMessage) error {
	evt, err := parseEvent(raw, "AUTH")
	if err != nil {
		return err
	}
	return c.handler.HandleAuth(ctx, c, evt)
}

func parseIDAndFilters(raw []jsoniter.RawMessage, name string) (string, []*event.Filter, error) {
	if len(raw) < 3 {
		return "", nil, fmt.Errorf("%s message must have at least 3 elements", name)
	}

	var id string
	if err := json.Unmarshal(raw[1], &id); err != nil {
		return "", nil, fmt.Errorf("invalid subscription ID: %w", err)
	}
	if id == "" || len(id) > 64 {
		return "", nil, fmt.Errorf("subscription ID must be 1 to 64 characters")
	}

	filters := make([]*event.Filter, 0, len(raw)-2)
	for i := 2; i < len(raw); i++ {
		var filter event.Filter
		if err := json.Unmarshal(raw[i], &filter); err != nil {
			return "", nil, fmt.Errorf("invalid filter: %w", err)
		}
		filters = append(filters, &filter)
	}
	return id, filters, nil
}

// handleReqMessage processes a REQ message
func (c *Client) handleReqMessage(ctx context.Context, raw []jsoniter.RawMessage) error {
	subID, filters, err := parseIDAndFilters(raw, "REQ")
	if err != nil {
		return err
	}
	return c.handler.HandleReq(ctx, c, subID, filters)
}

// handleCloseMessage processes a CLOSE message
func (c *Client) handleCloseMessage(ctx context.Context, raw []jsoniter.RawMessage) error {
	if len(raw) != 2 {
		return fmt.Errorf("CLOSE message must have 2 elements")
	}

	var subID string
	if err := json.Unmarshal(raw[1], &subID); err != nil {
		return fmt.Errorf("invalid subscription ID: %w", err)
	}

	return c.handler.HandleClose(ctx, c, subID)
}

// handleCountMessage processes a COUNT message (NIP-45)
func (c *Client) handleCountMessage(ctx context.Context, raw []jsoniter.RawMessage) error {
	countID, filters, err := parseIDAndFilters(raw, "COUNT")
	if err != nil {
		return err
	}
	return c.handler.HandleCount(ctx, c, countID, filters)
}

// AddSubscription records a live subscription; cancel ends it. A previous
// subscription under the same id is replaced and ended.
func (c *Client) AddSubscription(subID string, cancel context.CancelFunc) {
	c.mu.Lock()
	prev := c.subs[subID]
	c.subs[subID] = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// RemoveSubscription ends and forgets a live subscription.
func (c *Client) RemoveSubscription(subID string) {
	c.mu.Lock()
	cancel := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Subscriptions returns the number of live subscriptions.
func (c *Client) Subscriptions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Challenge is the NIP-42 challenge issued to this connection.
func (c *Client) Challenge() string {
	return c.challenge
}

// SetPubKey records the pubkey the client authenticated as.
func (c *Client) SetPubKey(pubkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubkey = pubkey
}

// PubKey returns the authenticated pubkey, if any.
func (c *Client) PubKey() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pubkey, c.pubkey != ""
}

func (c *Client) send(msg ...interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.closeCh:
		return ErrClientClosed
	}
}

// SendEvent sends an event to the client for a subscription
func (c *Client) SendEvent(subID string, evt *event.Event) error {
	return c.send(MessageTypeEvent, subID, evt)
}

// SendEOSE sends an end-of-stored-events message
func (c *Client) SendEOSE(subID string) error {
	return c.send(MessageTypeEOSE, subID)
}

// SendOK sends an OK message in response to an EVENT
func (c *Client) SendOK(eventID string, accepted bool, message string) error {
	return c.send(MessageTypeOK, eventID, accepted, message)
}

// SendNotice sends a human-readable notice message
func (c *Client) SendNotice(message string) error {
	return c.send(MessageTypeNotice, message)
}

// SendAuth sends the connection's AUTH challenge.
func (c *Client) SendAuth() error {
	return c.send(MessageTypeAuth, c.challenge)
}

// SendCount sends a COUNT response to the client
func (c *Client) SendCount(countID string, count int64) error {
	return c.send(MessageTypeCount, countID, map[string]int64{"count": count})
}

// SendClosed tells the client the relay ended a subscription or refused a
// COUNT.
func (c *Client) SendClosed(subID string, reason string) error {
	return c.send(MessageTypeClosed, subID, reason)
}

// Close closes the client connection and ends its subscriptions.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.mu.Lock()
		for id, cancel := range c.subs {
			cancel()
			delete(c.subs, id)
		}
		c.mu.Unlock()
		c.conn.Close()
	})
}

// Done is closed once the connection ended.
func (c *Client) Done() <-chan struct{} {
	return c.closeCh
}

// RemoteAddr returns the remote address of the client
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Prefixed formats a NIP-01 machine-readable message.
func Prefixed(prefix, message string) string {
	if message == "" {
		return prefix + ":"
	}
	if strings.HasPrefix(message, prefix+":") {
		return message
	}
	return prefix + ": " + message
}
