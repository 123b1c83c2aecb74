package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/packlock/pkg/proto"
)

// Subscription represents a WebSocket subscription for gateway notices
type Subscription struct {
	Conn       *websocket.Conn
	Notices    chan *proto.StreamNotice
	Done       chan struct{}
	resourceID string
	closeOnce  sync.Once
}

// Subscribe opens a push channel for notices about resourceID. The gateway
// path is the base URL with "/stream" appended.
func (c *Client) Subscribe(ctx context.Context, resourceID string) (*Subscription, error) {
	// Build WebSocket URL
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}

	// Convert to WebSocket scheme
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u.Path = streamPath(u.Path)
	q := url.Values{}
	q.Set(proto.ParamResourceID, resourceID)
	u.RawQuery = q.Encode()

	headers := make(http.Header)
	for _, k := range []string{proto.HeaderOwnerID, proto.HeaderTabID, proto.HeaderOwnerLabel} {
		if v := c.headers.Get(k); v != "" {
			headers.Set(k, v)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := c.websocketDialer.DialContext(dialCtx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	sub := &Subscription{
		Conn:       conn,
		Notices:    make(chan *proto.StreamNotice, 100),
		Done:       make(chan struct{}),
		resourceID: resourceID,
	}

	// Start receiving notices
	go sub.receiveNotices()

	return sub, nil
}

func streamPath(base string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		return base + "stream"
	}
	return base + "/stream"
}

// receiveNotices processes WebSocket messages
func (s *Subscription) receiveNotices() {
	defer func() {
		close(s.Notices)
		close(s.Done)
		s.Conn.Close()
	}()

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			// Connection closed
			return
		}

		var notice proto.StreamNotice
		if err := json.Unmarshal(message, &notice); err != nil {
			continue
		}
		if notice.Type == proto.NoticeHeartbeat {
			continue
		}

		select {
		case s.Notices <- &notice:
		default:
			// Channel is full, drop notice
		}
	}
}

// Close closes the subscription
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Send close message
		err = s.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))

		// Wait for done signal
		select {
		case <-s.Done:
		case <-time.After(time.Second):
			s.Conn.Close()
		}
	})
	return err
}
