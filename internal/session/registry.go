package session

import (
	"sync"

	"github.com/voicecall-lab/internal/logging"
)

// Registry is the process-wide table of active sessions, keyed by
// channel identity. At most one session exists per channel at any time.
// Joins and leaves are infrequent relative to the audio frame rate, so a
// single mutex serializes all mutation.
//
// Construct one explicitly and hand it to the command layer; there is no
// hidden package-level instance.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	cfg      Config
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg.withDefaults(),
	}
}

// Acquire creates and registers a session for the channel. Fails with
// ErrAlreadyActive when a live session exists. A session found already
// closing or closed is a ghost (crashed handshake, dropped socket): it
// is healed by tearing it down and registering a fresh one.
//
// The caller owns running Connect on the returned session and must
// Release the channel on failure.
func (r *Registry) Acquire(creds Credentials) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[creds.ChannelID]; ok {
		if st := existing.State(); st < StateClosing {
			return nil, ErrAlreadyActive
		}
		logging.Infow("registry: healing ghost session",
			logging.SessionFields(existing.creds.GuildID, existing.creds.ChannelID)...)
		go func() { _ = existing.Close() }()
		delete(r.sessions, creds.ChannelID)
	}

	s := New(creds, r.cfg)
	s.onClosed = func() { r.remove(creds.ChannelID, s) }
	r.sessions[creds.ChannelID] = s
	return s, nil
}

// Get returns the live session for a channel, if any.
func (r *Registry) Get(channelID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	return s, ok
}

// Channels returns the channel IDs with registered sessions.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Release tears down and removes the channel's session.
func (r *Registry) Release(channelID string) error {
	r.mu.Lock()
	s, ok := r.sessions[channelID]
	delete(r.sessions, channelID)
	r.mu.Unlock()
	if !ok {
		return ErrNotActive
	}
	return s.Close()
}

// CloseAll tears down every active session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = s.Close()
		}(s)
	}
	wg.Wait()
}

// remove drops a session from the table if it is still the registered
// one. Sessions call this when they close themselves on fatal errors.
func (r *Registry) remove(channelID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[channelID]; ok && cur == s {
		delete(r.sessions, channelID)
	}
}
