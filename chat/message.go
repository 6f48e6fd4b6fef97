// Package chat implements the durable message log and the broadcast hub that
// fans chat updates out to connected subscribers.
package chat

import (
	"fmt"
	"strings"
	"time"
)

// Origin tags where a message came from: injected by the comment scheduler
// or sent by a live viewer/moderator.
type Origin string

const (
	OriginScripted Origin = "scripted"
	OriginLive     Origin = "live"
)

// Message is a single chat message. ID is unique across the store; display
// order is ascending SendingTime with ID as tiebreaker.
type Message struct {
	ID          int64     `json:"id"`
	Sender      string    `json:"sender"`
	Text        string    `json:"text"`
	SendingTime time.Time `json:"sendingTime"`
	Pinned      bool      `json:"pinned"`
	Origin      Origin    `json:"origin"`
}

// MaxTextLength is the default bound on message text; the HTTP layer may
// configure a tighter one.
const MaxTextLength = 2000

// NewLiveMessage validates and constructs a viewer/moderator message.
// A zero id means the caller wants one assigned from the send time.
func NewLiveMessage(id int64, sender, text string, pinned bool, now time.Time) (Message, error) {
	sender = strings.TrimSpace(sender)
	text = strings.TrimSpace(text)
	if sender == "" {
		return Message{}, fmt.Errorf("live message: empty sender")
	}
	if text == "" {
		return Message{}, fmt.Errorf("live message: empty text")
	}
	if len(text) > MaxTextLength {
		return Message{}, fmt.Errorf("live message: text exceeds %d bytes", MaxTextLength)
	}
	if id == 0 {
		id = now.UnixMilli()
	}
	if id < 0 {
		return Message{}, fmt.Errorf("live message: negative id %d", id)
	}
	return Message{
		ID:          id,
		Sender:      sender,
		Text:        text,
		SendingTime: now.UTC(),
		Pinned:      pinned,
		Origin:      OriginLive,
	}, nil
}

// NewScriptedMessage constructs a scheduler-injected message. The id must be
// deterministic for the (session start, entry) pair so a replayed firing
// collides with the row it already wrote instead of duplicating it.
func NewScriptedMessage(id int64, sender, text string, pinned bool, now time.Time) (Message, error) {
	if id <= 0 {
		return Message{}, fmt.Errorf("scripted message: invalid id %d", id)
	}
	if sender == "" || text == "" {
		return Message{}, fmt.Errorf("scripted message: empty sender or text")
	}
	return Message{
		ID:          id,
		Sender:      sender,
		Text:        text,
		SendingTime: now.UTC(),
		Pinned:      pinned,
		Origin:      OriginScripted,
	}, nil
}
