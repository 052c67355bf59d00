package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livewatch/relay/internal/feed"
	"github.com/livewatch/relay/internal/ledger"
)

// Config represents configuration options for a relay instance
type Config struct {

	// Listen is the listening port
	Listen int

	// AdminPassword authenticates administrator subscribers
	AdminPassword string

	// Ledger is the identity ledger gating access
	Ledger *ledger.Store

	// Dialer opens upstream feed subscriptions
	Dialer feed.Dialer

	// DialTimeout bounds each upstream connection attempt
	DialTimeout time.Duration
}

// DefaultDialTimeout bounds upstream connection attempts when Config does not
// say otherwise.
const DefaultDialTimeout = 15 * time.Second

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Outbound queue length per subscriber connection.
	sendBufferLength = 256
)

// request is an inbound subscriber or administrator message.
type request struct {
	Type     string `json:"type"`
	Target   string `json:"target,omitempty"`
	Password string `json:"password,omitempty"`
	Identity string `json:"identity,omitempty"`
}

// outbound is the envelope for messages sent to a subscriber.
type outbound struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// connectionStatus reports the outcome of a start_monitoring request.
type connectionStatus struct {
	Success     bool   `json:"success"`
	Msg         string `json:"msg,omitempty"`
	IsTrialOver bool   `json:"isTrialOver,omitempty"`
	Debug       string `json:"debug,omitempty"`
}

type newChat struct {
	Username   string `json:"username"`
	Comment    string `json:"comment"`
	ProfilePic string `json:"profilePic"`
}

type newGift struct {
	Username string `json:"username"`
	GiftName string `json:"giftName"`
	Count    int    `json:"count"`
	GiftIcon string `json:"giftIcon"`
}

type updateViewers struct {
	Count int `json:"count"`
}

type disconnected struct {
	Msg string `json:"msg"`
}

type loginRes struct {
	Success bool `json:"success"`
}

// client is a middleperson between one websocket connection and the relay.
type client struct {

	// id is the connection id, unique for the connection's lifetime
	id string

	// identity is the subscriber identity access policy applies to
	identity string

	conn *websocket.Conn

	// send carries marshalled outbound frames to the write pump
	send chan []byte

	remoteAddr string
	userAgent  string

	// reqSeq numbers monitoring requests so a superseded in-flight open can
	// be discarded; incremented in the read pump, checked before install
	reqSeq uint64

	// installMu serialises session install against client teardown
	installMu sync.Mutex

	// closed is closed when the client is torn down
	closed chan struct{}
}

func (c *client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
