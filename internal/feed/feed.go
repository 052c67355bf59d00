// Package feed adapts one upstream live-broadcast subscription into the
// relay's internal event shape, with a uniform close contract.
package feed

import (
	"context"
)

// EventType discriminates the variants of Event.
type EventType string

// Event types emitted by an open feed.
const (
	EventChat    EventType = "chat"
	EventGift    EventType = "gift"
	EventViewers EventType = "viewers"
)

// ChatEvent is a chat message from the upstream broadcast.
type ChatEvent struct {
	SenderID  string
	Text      string
	AvatarURL string
}

// GiftEvent is a gift sent to the upstream broadcast. Streakable gifts are
// delivered repeatedly while a streak is in progress; only the final event of
// a streak carries StreakEnded true.
type GiftEvent struct {
	SenderID    string
	Name        string
	RepeatCount int
	Icon        string
	Streakable  bool
	StreakEnded bool
}

// ViewerCountEvent reports the current audience size.
type ViewerCountEvent struct {
	Count int
}

// Event is a tagged union of the feed event variants. Exactly one of the
// pointer fields is set, matching Type.
type Event struct {
	Type    EventType
	Chat    *ChatEvent
	Gift    *GiftEvent
	Viewers *ViewerCountEvent
}

// Conn is a single open upstream subscription.
type Conn interface {

	// Events returns the channel of decoded feed events. It is closed when
	// the upstream ends the stream, fails fatally, or the Conn is closed.
	Events() <-chan Event

	// Err reports why Events closed; nil means the stream ended naturally
	// or the Conn was closed locally. Only valid after Events has closed.
	Err() error

	// Close terminates the subscription. Idempotent.
	Close() error
}

// Dialer opens upstream subscriptions. Implementations must bound the
// connection attempt (e.g. via ctx or a handshake timeout) and must not
// retry; a failed attempt is terminal.
type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}
