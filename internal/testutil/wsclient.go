package testutil

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/paul/grapevine/pkg/event"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WSClient is a test WebSocket client for relay tests
type WSClient struct {
	conn *websocket.Conn
}

// NewWSClient creates a new test WebSocket client
func NewWSClient(url string) (*WSClient, error) {
	return NewWSClientWithDialer(url, websocket.DefaultDialer)
}

// NewWSClientWithDialer creates a new test WebSocket client with a custom dialer
func NewWSClientWithDialer(url string, dialer *websocket.Dialer) (*WSClient, error) {
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return &WSClient{conn: conn}, nil
}

// Close closes the WebSocket connection
func (c *WSClient) Close() error {
	return c.conn.Close()
}

func (c *WSClient) write(msg ...interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendRaw writes data as one text frame.
func (c *WSClient) SendRaw(data string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

// SendEvent sends an EVENT message
func (c *WSClient) SendEvent(evt *event.Event) error {
	return c.write("EVENT", evt)
}

// SendAuth sends an AUTH response
func (c *WSClient) SendAuth(evt *event.Event) error {
	return c.write("AUTH", evt)
}

// SendReq sends a REQ message
func (c *WSClient) SendReq(subID string, filters ...*event.Filter) error {
	msg := []interface{}{"REQ", subID}
	for _, f := range filters {
		msg = append(msg, f)
	}
	return c.write(msg...)
}

// SendClose sends a CLOSE message
func (c *WSClient) SendClose(subID string) error {
	return c.write("CLOSE", subID)
}

// SendCountMessage sends a COUNT message
func (c *WSClient) SendCountMessage(countID string, filter *event.Filter) error {
	return c.write("COUNT", countID, filter)
}

// readUntil reads messages until match reports done or the timeout passes.
// match receives the message type and the raw elements after it.
func (c *WSClient) readUntil(timeout time.Duration, match func(typ string, rest []jsoniter.RawMessage) (bool, error)) error {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg []jsoniter.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		if len(msg) == 0 {
			return fmt.Errorf("empty message")
		}
		var typ string
		if err := json.Unmarshal(msg[0], &typ); err != nil {
			return err
		}
		done, err := match(typ, msg[1:])
		if err != nil || done {
			return err
		}
	}
}

func firstString(rest []jsoniter.RawMessage) string {
	if len(rest) == 0 {
		return ""
	}
	var s string
	json.Unmarshal(rest[0], &s)
	return s
}

// ExpectOK waits for an OK message with the given event ID
func (c *WSClient) ExpectOK(eventID string, timeout time.Duration) (accepted bool, message string, err error) {
	err = c.readUntil(timeout, func(typ string, rest []jsoniter.RawMessage) (bool, error) {
		if typ != "OK" || len(rest) < 2 || firstString(rest) != eventID {
			return false, nil
		}
		if err := json.Unmarshal(rest[1], &accepted); err != nil {
			return false, fmt.Errorf("invalid OK message format: %w", err)
		}
		if len(rest) > 2 {
			json.Unmarshal(rest[2], &message)
		}
		return true, nil
	})
	return accepted, message, err
}

// ExpectEvent waits for an EVENT message for the given subscription
func (c *WSClient) ExpectEvent(subID string, timeout time.Duration) (*event.Event, error) {
	var evt *event.Event
	err := c.readUntil(timeout, func(typ string, rest []jsoniter.RawMessage) (bool, error) {
		if typ != "EVENT" || len(rest) < 2 || firstString(rest) != subID {
			return false, nil
		}
		evt = new(event.Event)
		return true, json.Unmarshal(rest[1], evt)
	})
	return evt, err
}

// ExpectEOSE waits for an EOSE message for the given subscription
func (c *WSClient) ExpectEOSE(subID string, timeout time.Duration) error {
	return c.readUntil(timeout, func(typ string, rest []jsoniter.RawMessage) (bool, error) {
		return typ == "EOSE" && firstString(rest) == subID, nil
	})
}

// ExpectNotice waits for a NOTICE message
func (c *WSClient) ExpectNotice(timeout time.Duration) (string, error) {
	var notice string
	err := c.readUntil(timeout, func(typ string, rest []jsoniter.RawMessage) (bool, error) {
		if typ != "NOTICE" {
			return false, nil
		}
		notice = firstString(rest)
		return true, nil
	})
	return notice, err
}

// ExpectAuthChallenge waits for the relay's AUTH challenge
func (c *WSClient) ExpectAuthChallenge(timeout time.Duration) (string, error) {
	var challenge string
	err := c.readUntil(timeout, func(typ string, rest []jsoniter.RawMessage) (bool, error) {
		if typ != "AUTH" {
			return false, nil
		}
		challenge = firstString(rest)
		return true, nil
	})
	return challenge, err
}

// ExpectCount waits for a COUNT response with the given id
func (c *WSClient) ExpectCount(countID string, timeout time.Duration) (int64, error) {
	var body struct {
		Count int64 `json:"count"`
	}
	err := c.readUntil(timeout, func(typ string, rest []jsoniter.RawMessage) (bool, error) {
		if typ == "CLOSED" && firstString(rest) == countID {
			return true, fmt.Errorf("count refused")
		}
		if typ != "COUNT" || len(rest) < 2 || firstString(rest) != countID {
			return false, nil
		}
		return true, json.Unmarshal(rest[1], &body)
	})
	return body.Count, err
}

// CollectEvents collects all events for a subscription until EOSE
func (c *WSClient) CollectEvents(subID string, timeout time.Duration) ([]*event.Event, error) {
	var events []*event.Event
	err := c.readUntil(timeout, func(typ string, rest []jsoniter.RawMessage) (bool, error) {
		if firstString(rest) != subID {
			return false, nil
		}
		switch typ {
		case "EVENT":
			if len(rest) < 2 {
				return false, nil
			}
			var evt event.Event
			if err := json.Unmarshal(rest[1], &evt); err != nil {
				return false, err
			}
			events = append(events, &evt)
		case "EOSE":
			return true, nil
		case "CLOSED":
			return true, fmt.Errorf("subscription closed: %s", string(rest[len(rest)-1]))
		}
		return false, nil
	})
	return events, err
}
