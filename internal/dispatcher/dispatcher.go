package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/teslamotors/keyexchange/internal/authentication"
	"github.com/teslamotors/keyexchange/internal/log"
	"github.com/teslamotors/keyexchange/pkg/connector"
)

// SendTimeout bounds each outbound event.
var SendTimeout = 5 * time.Second

// Result reports the outcome of a handshake handled by a Server.
type Result struct {
	Session   string
	PeerKey   authentication.PublicKey
	PeerNonce authentication.Nonce
	Verdict   authentication.Verdict
}

// A Server answers handshakes arriving on a Connector. Events are routed to handshake sessions by
// their Session field, so a single Server can serve any number of interleaved Initiators.
type Server struct {
	conn      connector.Connector
	responder *authentication.Responder
	results   chan Result

	lifetimeLock sync.Mutex
	lifetime     time.Duration

	doneLock  sync.Mutex
	terminate chan struct{}
	done      chan struct{}

	sessionLock sync.Mutex
	sessions    map[string]*session

	// strays holds partial messages for sessions without a handshake, so each stray message is
	// rejected once. Only the listen goroutine touches it.
	strays map[string]*stray
}

// NewServer creates a Server from a Connector.
func NewServer(conn connector.Connector, responder *authentication.Responder) *Server {
	return &Server{
		conn:      conn,
		responder: responder,
		results:   make(chan Result, connector.BufferSize),
		lifetime:  DefaultSessionLifetime,
		done:      make(chan struct{}),
		sessions:  make(map[string]*session),
		strays:    make(map[string]*stray),
	}
}

// SetSessionLifetime changes how long the Server waits between messages of a handshake before
// abandoning it. Expired sessions are checked for every half lifetime, as configured when the
// Server starts.
func (s *Server) SetSessionLifetime(lifetime time.Duration) {
	if lifetime > 0 {
		s.lifetimeLock.Lock()
		s.lifetime = lifetime
		s.lifetimeLock.Unlock()
	}
}

func (s *Server) sessionLifetime() time.Duration {
	s.lifetimeLock.Lock()
	defer s.lifetimeLock.Unlock()
	return s.lifetime
}

// Results returns a channel that receives the outcome of each finished handshake. Results are
// dropped if the channel is full.
func (s *Server) Results() <-chan Result {
	return s.results
}

// Sessions returns the number of handshakes in progress.
func (s *Server) Sessions() int {
	s.sessionLock.Lock()
	defer s.sessionLock.Unlock()
	return len(s.sessions)
}

// Start runs the Server's listen loop in a new goroutine. Returns an error if the loop does not
// signal it's ready before ctx expires.
func (s *Server) Start(ctx context.Context) error {
	ready := make(chan struct{})
	go s.listen(ready)
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the listen loop to exit and waits for it to discard all pending sessions.
func (s *Server) Stop() {
	s.doneLock.Lock()
	defer s.doneLock.Unlock()
	if s.terminate != nil {
		close(s.terminate)
		s.terminate = nil
		<-s.done
	}
}

// Done returns a channel that is closed once the listen loop exits, either because Stop was
// called or because the Connector closed.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) listen(ready chan<- struct{}) {
	log.Info("Starting handshake server...")
	s.doneLock.Lock()
	if s.terminate == nil {
		s.terminate = make(chan struct{})
	} else {
		s.doneLock.Unlock()
		return
	}
	terminate := s.terminate
	s.doneLock.Unlock()

	sweep := time.NewTicker(max(s.sessionLifetime()/2, time.Millisecond))
	defer sweep.Stop()

	listening := make(chan struct{}, 1)
	listening <- struct{}{}
	defer func() {
		s.discardAll()
		close(s.done)
	}()
	for {
		select {
		case event, open := <-s.conn.Receive():
			if !open {
				log.Info("Connection closed")
				return
			}
			s.process(event)
		case <-sweep.C:
			s.expireSessions()
		case <-terminate:
			return
		case <-listening:
			close(ready)
		}
	}
}

func (s *Server) lookup(id string) (*session, bool) {
	s.sessionLock.Lock()
	defer s.sessionLock.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) remove(id string) {
	s.sessionLock.Lock()
	delete(s.sessions, id)
	s.sessionLock.Unlock()
}

func (s *Server) process(event connector.Event) {
	switch event.Key {
	case connector.KeyInitiatorIdentity, connector.KeyInitiatorEcho, connector.KeyError:
	default:
		log.Debug("[%s] Ignoring event %s", event.Session, event.Key)
		return
	}

	sess, ok := s.lookup(event.Session)
	if event.Key == connector.KeyError {
		if ok {
			sess.auth.Abort(authentication.ParseVerdict(event.Value).Err())
			s.finish(sess, false)
		}
		return
	}
	if !ok {
		if event.Key != connector.KeyInitiatorIdentity {
			s.reject(event)
			return
		}
		delete(s.strays, event.Session)
		sess = s.begin(event.Session)
	}
	sess.touch()

	message, complete, err := sess.chunks.add(event.Key, event.Value)
	if err != nil {
		sess.auth.Abort(err)
		s.finish(sess, true)
		return
	}
	if !complete {
		return
	}

	switch event.Key {
	case connector.KeyInitiatorIdentity:
		if sess.auth.State() != authentication.StateAwaitingPeerIdentity {
			// The peer started over; the earlier attempt must not influence the new one.
			log.Info("[%s] Initiator restarted handshake in state %s", sess.id, sess.auth.State())
			sess.auth.Abort(&authentication.Error{
				Fault: authentication.FaultProtocolState,
				Info:  "session abandoned",
			})
			s.finish(sess, false)
			sess = s.begin(event.Session)
		}
		reply, err := s.responder.HandleIdentity(sess.auth, message)
		if err != nil {
			s.finish(sess, true)
			return
		}
		peer, _ := sess.auth.PeerPublicKey()
		log.Debug("[%s] Verified identity of %s", sess.id, peer)
		if err = s.sendMessage(sess.id, connector.KeyResponderIdentity, reply.Identity); err == nil {
			err = s.sendMessage(sess.id, connector.KeyResponderEcho, reply.Echo)
		}
		if err != nil {
			log.Warning("[%s] Failed to send reply: %s", sess.id, err)
			sess.auth.Abort(err)
			s.finish(sess, false)
		}
	case connector.KeyInitiatorEcho:
		s.responder.HandleEcho(sess.auth, message)
		s.finish(sess, true)
	}
}

// begin registers a fresh handshake under id.
func (s *Server) begin(id string) *session {
	sess := newSession(id, s.responder.NewSession())
	s.sessionLock.Lock()
	s.sessions[id] = sess
	s.sessionLock.Unlock()
	log.Debug("[%s] Handshake started", id)
	return sess
}

// reject answers a message that arrived for a session with no handshake in progress. Chunks are
// buffered until the message is complete so the peer receives a single error per message.
func (s *Server) reject(event connector.Event) {
	st, ok := s.strays[event.Session]
	if !ok {
		st = newStray()
		s.strays[event.Session] = st
	}
	st.touch()
	_, complete, err := st.chunks.add(event.Key, event.Value)
	if err == nil && !complete {
		return
	}
	delete(s.strays, event.Session)
	log.Warning("[%s] Dropping %s without handshake in progress", event.Session, event.Key)
	s.sendVerdict(event.Session, noHandshake)
}

var noHandshake = authentication.Verdict{
	Fault: authentication.FaultProtocolState,
	Info:  "no handshake in progress",
}

// finish reports the verdict of a session that reached a terminal state and discards it. The
// verdict is sent to the peer if notify is true.
func (s *Server) finish(sess *session, notify bool) {
	verdict := sess.auth.Verdict()
	result := Result{Session: sess.id, Verdict: verdict}
	if peer, ok := sess.auth.PeerPublicKey(); ok {
		result.PeerKey = peer
		result.PeerNonce, _ = sess.auth.PeerNonce()
	}
	if verdict.OK() {
		log.Info("[%s] Handshake with %s succeeded", sess.id, result.PeerKey)
	} else {
		log.Warning("[%s] Handshake failed: %s", sess.id, verdict)
	}
	s.remove(sess.id)
	sess.discard()
	if notify {
		s.sendVerdict(sess.id, verdict)
	}

	select {
	case s.results <- result:
	default:
		log.Error("[%s] Dropping handshake result because result queue is full", sess.id)
	}
}

func (s *Server) sendVerdict(id string, verdict authentication.Verdict) {
	event := connector.Event{Session: id, Key: connector.KeyVerification, Value: connector.VerificationSuccess}
	if !verdict.OK() {
		event.Key = connector.KeyError
		event.Value = verdict.String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, event); err != nil {
		log.Warning("[%s] Failed to send verdict: %s", id, err)
	}
}

func (s *Server) sendMessage(id, key string, message *authentication.SignedMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
	defer cancel()
	return connector.SendChunked(ctx, s.conn, id, key, message.Bytes())
}

func (s *Server) expireSessions() {
	lifetime := s.sessionLifetime()
	var expired []*session
	s.sessionLock.Lock()
	for _, sess := range s.sessions {
		if sess.expired(lifetime) {
			expired = append(expired, sess)
		}
	}
	s.sessionLock.Unlock()
	for id, st := range s.strays {
		if st.expired(lifetime) {
			delete(s.strays, id)
			log.Warning("[%s] Dropping incomplete message without handshake in progress", id)
			s.sendVerdict(id, noHandshake)
		}
	}
	for _, sess := range expired {
		sess.auth.Abort(&authentication.Error{
			Fault: authentication.FaultProtocolState,
			Info:  "session expired",
		})
		s.finish(sess, true)
	}
}

func (s *Server) discardAll() {
	s.sessionLock.Lock()
	defer s.sessionLock.Unlock()
	for id, sess := range s.sessions {
		log.Debug("[%s] Discarding unfinished handshake", id)
		sess.discard()
	}
	clear(s.sessions)
	clear(s.strays)
}
