package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a push notification from /ws/events.
type Event struct {
	Type   string          `json:"type"`
	TeamID string          `json:"team_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	At     time.Time       `json:"at"`
}

// Event types.
const (
	EventSessionRevoked      = "session.revoked"
	EventWindowChanged       = "window.changed"
	EventClaimChanged        = "claim.changed"
	EventAvailabilityChanged = "availability.changed"
)

func (c *Client) eventsURL(token string) (string, error) {
	u, err := url.Parse(c.baseURL + "/ws/events")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("access_token", strings.TrimSpace(token))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe streams events for the caller's team and the claiming window until
// ctx is cancelled or the server closes the connection. The returned channel
// is closed when the stream ends.
func (c *Client) Subscribe(ctx context.Context, token string) (<-chan Event, error) {
	endpoint, err := c.eventsURL(token)
	if err != nil {
		return nil, fmt.Errorf("build events url: %w", err)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			code, msg := extractError(resp.Body)
			return nil, APIError{Status: resp.StatusCode, Code: code, Message: msg}
		}
		return nil, fmt.Errorf("dial events: %w", err)
	}
	events := make(chan Event, 16)
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()
	go func() {
		defer close(events)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
