package chat

import (
	"strings"
	"testing"
	"time"
)

func TestNewLiveMessageAssignsID(t *testing.T) {
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	m, err := NewLiveMessage(0, "u1", "hello", false, now)
	if err != nil {
		t.Fatalf("NewLiveMessage: %v", err)
	}
	if m.ID != now.UnixMilli() {
		t.Errorf("ID = %d, want %d", m.ID, now.UnixMilli())
	}
	if m.Origin != OriginLive {
		t.Errorf("Origin = %q", m.Origin)
	}
}

func TestNewLiveMessageKeepsClientID(t *testing.T) {
	m, err := NewLiveMessage(12345, "u1", "hello", false, time.Now())
	if err != nil {
		t.Fatalf("NewLiveMessage: %v", err)
	}
	if m.ID != 12345 {
		t.Errorf("ID = %d, want 12345", m.ID)
	}
}

func TestNewLiveMessageValidation(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		id     int64
		sender string
		text   string
	}{
		{"empty sender", 0, "", "hi"},
		{"empty text", 0, "u1", ""},
		{"whitespace text", 0, "u1", "   "},
		{"oversized text", 0, "u1", strings.Repeat("a", MaxTextLength+1)},
		{"negative id", -5, "u1", "hi"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewLiveMessage(tc.id, tc.sender, tc.text, false, now); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNewScriptedMessage(t *testing.T) {
	now := time.Now()
	m, err := NewScriptedMessage(777, "bot", "welcome", true, now)
	if err != nil {
		t.Fatalf("NewScriptedMessage: %v", err)
	}
	if m.Origin != OriginScripted || !m.Pinned {
		t.Errorf("unexpected message %+v", m)
	}

	if _, err := NewScriptedMessage(0, "bot", "x", false, now); err == nil {
		t.Error("expected error for zero id")
	}
	if _, err := NewScriptedMessage(1, "", "x", false, now); err == nil {
		t.Error("expected error for empty sender")
	}
}
