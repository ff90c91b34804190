package session

import (
	"context"
	"errors"
	"testing"
)

func testCreds(channelID string) Credentials {
	return Credentials{
		GuildID:   "guild-1",
		ChannelID: channelID,
		UserID:    "bot-user",
		SessionID: "sess-abc",
		Token:     "token-abc",
		Endpoint:  "voice.example.test:443",
	}
}

func TestAcquireEnforcesOneSessionPerChannel(t *testing.T) {
	r := NewRegistry(Config{})

	s1, err := r.Acquire(testCreds("chan-1"))
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if s1.State() != StateConnecting {
		t.Fatalf("new session state = %v, want %v", s1.State(), StateConnecting)
	}

	if _, err := r.Acquire(testCreds("chan-1")); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("duplicate Acquire: err = %v, want ErrAlreadyActive", err)
	}

	// A different channel is independent.
	if _, err := r.Acquire(testCreds("chan-2")); err != nil {
		t.Fatalf("Acquire other channel: %v", err)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	r := NewRegistry(Config{})

	if _, err := r.Acquire(testCreds("chan-1")); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := r.Release("chan-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := r.Get("chan-1"); ok {
		t.Fatal("released channel still registered")
	}

	if _, err := r.Acquire(testCreds("chan-1")); err != nil {
		t.Fatalf("re-Acquire after release: %v", err)
	}
}

func TestReleaseUnknownChannel(t *testing.T) {
	r := NewRegistry(Config{})
	if err := r.Release("nope"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

func TestGhostSessionIsHealed(t *testing.T) {
	r := NewRegistry(Config{})

	s1, err := r.Acquire(testCreds("chan-1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Simulate a crashed handshake: the session died but, had the
	// registry not observed it, would still occupy the slot.
	_ = s1.Close()
	if s1.State() != StateClosed {
		t.Fatalf("state after Close = %v, want %v", s1.State(), StateClosed)
	}

	s2, err := r.Acquire(testCreds("chan-1"))
	if err != nil {
		t.Fatalf("Acquire over ghost: %v", err)
	}
	if s2 == s1 {
		t.Fatal("Acquire returned the dead session")
	}
}

func TestSelfClosingSessionLeavesRegistry(t *testing.T) {
	r := NewRegistry(Config{})

	s, err := r.Acquire(testCreds("chan-1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_ = s.Close()

	// Close removes the session from the table, so a fresh join does not
	// trip over the corpse.
	if _, ok := r.Get("chan-1"); ok {
		t.Fatal("closed session still registered")
	}
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(Config{})

	s1, _ := r.Acquire(testCreds("chan-1"))
	s2, _ := r.Acquire(testCreds("chan-2"))

	r.CloseAll()

	if len(r.Channels()) != 0 {
		t.Fatalf("Channels() = %v after CloseAll", r.Channels())
	}
	if s1.State() != StateClosed || s2.State() != StateClosed {
		t.Fatalf("states after CloseAll: %v, %v", s1.State(), s2.State())
	}
}

func TestPlayRequiresConnectedSession(t *testing.T) {
	r := NewRegistry(Config{})

	s, err := r.Acquire(testCreds("chan-1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := s.Play(context.Background(), silenceSource{}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Play before Connect: err = %v, want ErrNotReady", err)
	}

	_ = s.Close()
	if err := s.Play(context.Background(), silenceSource{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Play after Close: err = %v, want ErrClosed", err)
	}
}
