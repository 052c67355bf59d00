package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

var testUpgrader = websocket.Upgrader{}

// upstream serves a scripted sequence of JSON frames to the first dialled
// subscription, then closes normally.
func upstream(t *testing.T, frames []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		// allow the client to read the close frame
		conn.ReadMessage()
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWSDialerDecodesFrames(t *testing.T) {

	s := upstream(t, []string{
		`{"type":"chat","uniqueId":"bob","comment":"hi","profilePictureUrl":"http://img/bob.png"}`,
		`{"type":"gift","uniqueId":"carol","giftName":"rose","giftType":1,"repeatCount":5,"repeatEnd":true,"giftPictureUrl":"http://img/rose.png"}`,
		`{"type":"gift","uniqueId":"carol","giftName":"rose","giftType":1,"repeatCount":2}`,
		`{"type":"roomUser","viewerCount":42}`,
		`this is not json`,
		`{"type":"somethingNew"}`,
		`{"type":"streamEnd"}`,
	})
	defer s.Close()

	d := &WSDialer{URL: wsURL(s)}

	conn, err := d.Dial(context.Background(), "alice")
	assert.NoError(t, err)
	defer conn.Close()

	events := []Event{}
	for ev := range conn.Events() {
		events = append(events, ev)
	}

	// natural end of stream
	assert.NoError(t, conn.Err())

	// malformed and unknown frames are skipped, not fatal
	assert.Len(t, events, 4)

	assert.Equal(t, EventChat, events[0].Type)
	assert.Equal(t, "bob", events[0].Chat.SenderID)
	assert.Equal(t, "hi", events[0].Chat.Text)
	assert.Equal(t, "http://img/bob.png", events[0].Chat.AvatarURL)

	assert.Equal(t, EventGift, events[1].Type)
	assert.Equal(t, "rose", events[1].Gift.Name)
	assert.Equal(t, 5, events[1].Gift.RepeatCount)
	assert.True(t, events[1].Gift.Streakable)
	assert.True(t, events[1].Gift.StreakEnded)

	// missing repeatEnd counts as a streak still in progress
	assert.Equal(t, EventGift, events[2].Type)
	assert.False(t, events[2].Gift.StreakEnded)

	assert.Equal(t, EventViewers, events[3].Type)
	assert.Equal(t, 42, events[3].Viewers.Count)
}

func TestWSDialerFailure(t *testing.T) {

	d := &WSDialer{URL: "ws://127.0.0.1:1", HandshakeTimeout: 100 * time.Millisecond}

	conn, err := d.Dial(context.Background(), "alice")
	assert.Error(t, err)
	assert.Nil(t, conn)
}

func TestWSConnCloseIdempotent(t *testing.T) {

	s := upstream(t, nil)
	defer s.Close()

	d := &WSDialer{URL: wsURL(s)}

	conn, err := d.Dial(context.Background(), "alice")
	assert.NoError(t, err)

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	// the event channel drains and closes after a local close
	for range conn.Events() {
	}
	assert.NoError(t, conn.Err())
}
