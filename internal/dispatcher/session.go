package dispatcher

import (
	"time"

	"github.com/teslamotors/keyexchange/internal/authentication"
)

// DefaultSessionLifetime is how long a Server waits for the next message of a handshake.
var DefaultSessionLifetime = 30 * time.Second

// session tracks a handshake in progress on a Server. Sessions are only accessed by the Server's
// listen goroutine; the Server's sessionLock guards the map that holds them.
type session struct {
	id         string
	auth       *authentication.Session
	chunks     *assembler
	createdAt  time.Time
	lastActive time.Time
}

func newSession(id string, auth *authentication.Session) *session {
	now := time.Now()
	return &session{
		id:         id,
		auth:       auth,
		chunks:     newAssembler(),
		createdAt:  now,
		lastActive: now,
	}
}

func (s *session) touch() {
	s.lastActive = time.Now()
}

// expired returns true if the peer has been silent for longer than lifetime.
func (s *session) expired(lifetime time.Duration) bool {
	return time.Now().After(s.lastActive.Add(lifetime))
}

// discard wipes the session's buffers and key material.
func (s *session) discard() {
	s.chunks.reset()
	s.auth.Discard()
}

// stray collects the chunks of a message sent outside any handshake.
type stray struct {
	chunks     *assembler
	lastActive time.Time
}

func newStray() *stray {
	return &stray{chunks: newAssembler(), lastActive: time.Now()}
}

func (s *stray) touch() {
	s.lastActive = time.Now()
}

func (s *stray) expired(lifetime time.Duration) bool {
	return time.Now().After(s.lastActive.Add(lifetime))
}
