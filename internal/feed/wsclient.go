package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// DefaultHandshakeTimeout bounds the websocket dial to the upstream feed
// service.
const DefaultHandshakeTimeout = 10 * time.Second

// WSDialer dials the upstream live-feed service over websocket, one
// subscription per connection. The target broadcast identifier is appended
// to URL as the final path element.
type WSDialer struct {
	// URL is the base websocket URL of the feed service, e.g.
	// wss://feed.example.org/live
	URL string

	// HandshakeTimeout bounds the dial; zero means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// wireEvent is the upstream JSON frame format.
type wireEvent struct {
	Type              string `json:"type"`
	UniqueID          string `json:"uniqueId"`
	Comment           string `json:"comment"`
	ProfilePictureURL string `json:"profilePictureUrl"`
	GiftName          string `json:"giftName"`
	GiftType          int    `json:"giftType"`
	RepeatCount       int    `json:"repeatCount"`
	RepeatEnd         *bool  `json:"repeatEnd"`
	GiftPictureURL    string `json:"giftPictureUrl"`
	ViewerCount       int    `json:"viewerCount"`
}

// streakableGiftType marks gifts the upstream delivers as streaks
const streakableGiftType = 1

// Dial opens one subscription to target. A failed dial is terminal; the
// caller decides whether to try again.
func (d *WSDialer) Dial(ctx context.Context, target string) (Conn, error) {

	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: timeout,
	}

	url := d.URL + "/" + target

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	c := &wsConn{
		target: target,
		conn:   conn,
		events: make(chan Event),
		closed: make(chan struct{}),
	}

	go c.read()

	return c, nil
}

type wsConn struct {
	target string
	conn   *websocket.Conn
	events chan Event

	mu  sync.Mutex
	err error

	once   sync.Once
	closed chan struct{}
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) closedLocally() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *wsConn) read() {

	defer close(c.events)
	defer c.conn.Close()

	for {

		_, data, err := c.conn.ReadMessage()

		if err != nil {
			if c.closedLocally() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			log.WithFields(log.Fields{"target": c.target, "error": err.Error()}).Debug("feed read ended")
			return
		}

		var w wireEvent

		if err := json.Unmarshal(data, &w); err != nil {
			// a malformed frame is a protocol hiccup, not a stream failure
			log.WithFields(log.Fields{"target": c.target, "error": err.Error()}).Warn("dropping malformed feed frame")
			continue
		}

		ev, ok := decode(w)
		if !ok {
			if w.Type == "streamEnd" {
				return
			}
			log.WithFields(log.Fields{"target": c.target, "frameType": w.Type}).Trace("ignoring feed frame")
			continue
		}

		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

// decode maps an upstream frame to an internal event; streamEnd and unknown
// frame types map to no event.
func decode(w wireEvent) (Event, bool) {

	switch w.Type {
	case "chat":
		return Event{Type: EventChat, Chat: &ChatEvent{
			SenderID:  w.UniqueID,
			Text:      w.Comment,
			AvatarURL: w.ProfilePictureURL,
		}}, true
	case "gift":
		// a missing repeatEnd flag counts as a streak still in progress
		ended := w.RepeatEnd != nil && *w.RepeatEnd
		return Event{Type: EventGift, Gift: &GiftEvent{
			SenderID:    w.UniqueID,
			Name:        w.GiftName,
			RepeatCount: w.RepeatCount,
			Icon:        w.GiftPictureURL,
			Streakable:  w.GiftType == streakableGiftType,
			StreakEnded: ended,
		}}, true
	case "roomUser":
		return Event{Type: EventViewers, Viewers: &ViewerCountEvent{
			Count: w.ViewerCount,
		}}, true
	default:
		return Event{}, false
	}
}
