package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/teslamotors/keyexchange/internal/authentication"
	"github.com/teslamotors/keyexchange/mocks"
	"github.com/teslamotors/keyexchange/pkg/connector"
	"github.com/teslamotors/keyexchange/pkg/connector/pipe"
)

var testTimeout = 2 * time.Second

func testKey(t *testing.T, b byte) authentication.PrivateKey {
	t.Helper()
	return authentication.UnmarshalPrivateKey(bytes.Repeat([]byte{b}, authentication.SeedSize))
}

func newTestInitiator(t *testing.T) *authentication.Initiator {
	t.Helper()
	initiator, err := authentication.NewInitiator(testKey(t, 1))
	if err != nil {
		t.Fatalf("Failed to create initiator: %s", err)
	}
	return initiator
}

func newTestResponder(t *testing.T, options ...authentication.Option) *authentication.Responder {
	t.Helper()
	responder, err := authentication.NewResponder(testKey(t, 2), options...)
	if err != nil {
		t.Fatalf("Failed to create responder: %s", err)
	}
	return responder
}

// startServer runs a Server on one end of a pipe and returns the other end.
func startServer(t *testing.T, responder *authentication.Responder, lifetime time.Duration) (*Server, *pipe.Connection) {
	t.Helper()
	local, remote := pipe.New(connector.DefaultChunkSize)
	server := NewServer(local, responder)
	server.SetSessionLifetime(lifetime)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := server.Start(ctx); err != nil {
		t.Fatalf("Failed to start server: %s", err)
	}
	t.Cleanup(func() {
		server.Stop()
		remote.Close()
	})
	return server, remote
}

func nextEvent(t *testing.T, conn connector.Connector) connector.Event {
	t.Helper()
	select {
	case event, ok := <-conn.Receive():
		if !ok {
			t.Fatal("Connection closed")
		}
		return event
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for event")
	}
	return connector.Event{}
}

func nextResult(t *testing.T, server *Server) Result {
	t.Helper()
	select {
	case result := <-server.Results():
		return result
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for result")
	}
	return Result{}
}

func sendMessage(t *testing.T, conn connector.Connector, id, key string, message []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := connector.SendChunked(ctx, conn, id, key, message); err != nil {
		t.Fatalf("Failed to send %s: %s", key, err)
	}
}

func TestLoopback(t *testing.T) {
	server, remote := startServer(t, newTestResponder(t), time.Minute)
	client := NewClient(remote, newTestInitiator(t), "loopback")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	s, err := client.Handshake(ctx)
	if err != nil {
		t.Fatalf("Handshake failed: %s", err)
	}
	if s.State() != authentication.StateSuccess {
		t.Errorf("Client finished in state %s", s.State())
	}
	peer, _ := s.PeerPublicKey()
	if !bytes.Equal(peer[:], testKey(t, 2).PublicBytes()) {
		t.Errorf("Client learned wrong key %s", peer)
	}

	result := nextResult(t, server)
	if !result.Verdict.OK() || result.Session != "loopback" {
		t.Errorf("Unexpected result %+v", result)
	}
	if !bytes.Equal(result.PeerKey[:], testKey(t, 1).PublicBytes()) {
		t.Errorf("Server learned wrong key %s", result.PeerKey)
	}
	if result.PeerNonce != s.Nonce() {
		t.Errorf("Server learned nonce %s, client used %s", result.PeerNonce, s.Nonce())
	}
	if server.Sessions() != 0 {
		t.Errorf("Server kept %d sessions", server.Sessions())
	}
}

func TestInterleavedSessions(t *testing.T) {
	server, remote := startServer(t, newTestResponder(t), time.Minute)
	initiator := newTestInitiator(t)
	ids := []string{"a", "b"}

	sessions := make(map[string]*authentication.Session)
	chunks := make(map[string][]string)
	for _, id := range ids {
		s, step1, err := initiator.Start()
		if err != nil {
			t.Fatalf("Failed to start handshake: %s", err)
		}
		sessions[id] = s
		chunks[id] = slices.Collect(connector.ChunkEncode(step1.Bytes(), connector.DefaultChunkSize))
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	for i := range chunks["a"] {
		for _, id := range ids {
			event := connector.Event{Session: id, Key: connector.KeyInitiatorIdentity, Value: chunks[id][i]}
			if err := remote.Send(ctx, event); err != nil {
				t.Fatalf("Failed to send: %s", err)
			}
		}
	}

	replies := map[string]map[string][]string{"a": {}, "b": {}}
	for i := 0; i < 4*len(chunks["a"]); i++ {
		event := nextEvent(t, remote)
		replies[event.Session][event.Key] = append(replies[event.Session][event.Key], event.Value)
	}
	if n := server.Sessions(); n != 2 {
		t.Errorf("Expected 2 sessions, found %d", n)
	}

	for _, id := range ids {
		identity, err := connector.ChunkDecodeStrings(replies[id][connector.KeyResponderIdentity])
		if err != nil {
			t.Fatalf("Bad identity for %s: %s", id, err)
		}
		echo, err := connector.ChunkDecodeStrings(replies[id][connector.KeyResponderEcho])
		if err != nil {
			t.Fatalf("Bad echo for %s: %s", id, err)
		}
		step5, err := initiator.HandleReply(sessions[id], identity, echo)
		if err != nil {
			t.Fatalf("Session %s: %s", id, err)
		}
		sendMessage(t, remote, id, connector.KeyInitiatorEcho, step5.Bytes())
		verdict := nextEvent(t, remote)
		if verdict.Session != id || verdict.Key != connector.KeyVerification || verdict.Value != connector.VerificationSuccess {
			t.Errorf("Unexpected verdict %+v", verdict)
		}
	}
}

func TestServerRejectsTamperedIdentity(t *testing.T) {
	server, remote := startServer(t, newTestResponder(t), time.Minute)
	_, step1, err := newTestInitiator(t).Start()
	if err != nil {
		t.Fatalf("Failed to start handshake: %s", err)
	}
	tampered := step1.Bytes()
	tampered[40] ^= 0x01
	sendMessage(t, remote, "s", connector.KeyInitiatorIdentity, tampered)

	event := nextEvent(t, remote)
	if event.Key != connector.KeyError || event.Value != "BadSignature: signature verification failed" {
		t.Errorf("Unexpected event %+v", event)
	}
	if result := nextResult(t, server); result.Verdict.Fault != authentication.FaultBadSignature {
		t.Errorf("Unexpected result %+v", result)
	}
}

func TestServerRejectsUnsolicitedEcho(t *testing.T) {
	_, remote := startServer(t, newTestResponder(t), time.Minute)
	sendMessage(t, remote, "s", connector.KeyInitiatorEcho, make([]byte, authentication.SignedMessageSize))
	event := nextEvent(t, remote)
	if event.Key != connector.KeyError {
		t.Fatalf("Unexpected event %+v", event)
	}
	if v := authentication.ParseVerdict(event.Value); v.Fault != authentication.FaultProtocolState {
		t.Errorf("Unexpected verdict %s", v)
	}
}

func expectSilence(t *testing.T, conn connector.Connector) {
	t.Helper()
	select {
	case event := <-conn.Receive():
		t.Errorf("Unexpected event %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerRejectsStrayMessageOnce(t *testing.T) {
	_, remote := startServer(t, newTestResponder(t), time.Minute)
	for _, id := range []string{"x", "x"} {
		sendMessage(t, remote, id, connector.KeyInitiatorEcho, make([]byte, authentication.SignedMessageSize))
		event := nextEvent(t, remote)
		if event.Session != id || event.Key != connector.KeyError || event.Value != "ProtocolState: no handshake in progress" {
			t.Fatalf("Unexpected event %+v", event)
		}
		expectSilence(t, remote)
	}
}

func TestServerExpiresStrayChunks(t *testing.T) {
	_, remote := startServer(t, newTestResponder(t), 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := remote.Send(ctx, connector.Event{Session: "late", Key: connector.KeyInitiatorEcho, Value: "AAAA"}); err != nil {
		t.Fatalf("Failed to send: %s", err)
	}
	event := nextEvent(t, remote)
	if event.Session != "late" || event.Key != connector.KeyError {
		t.Fatalf("Unexpected event %+v", event)
	}
	expectSilence(t, remote)
}

func TestServerRestartsHandshake(t *testing.T) {
	server, remote := startServer(t, newTestResponder(t), time.Minute)
	initiator := newTestInitiator(t)

	_, first, err := initiator.Start()
	if err != nil {
		t.Fatalf("Failed to start handshake: %s", err)
	}
	sendMessage(t, remote, "dev", connector.KeyInitiatorIdentity, first.Bytes())
	for i := 0; i < 10; i++ {
		nextEvent(t, remote)
	}

	// Device reset before sending its echo.
	s, second, err := initiator.Start()
	if err != nil {
		t.Fatalf("Failed to restart handshake: %s", err)
	}
	sendMessage(t, remote, "dev", connector.KeyInitiatorIdentity, second.Bytes())

	abandoned := nextResult(t, server)
	if abandoned.Session != "dev" || abandoned.Verdict.Fault != authentication.FaultProtocolState || abandoned.Verdict.Info != "session abandoned" {
		t.Errorf("Unexpected result %+v", abandoned)
	}

	replies := make(map[string][]string)
	for i := 0; i < 10; i++ {
		event := nextEvent(t, remote)
		if event.Key == connector.KeyError {
			t.Fatalf("Restart rejected: %s", event.Value)
		}
		replies[event.Key] = append(replies[event.Key], event.Value)
	}
	identity, err := connector.ChunkDecodeStrings(replies[connector.KeyResponderIdentity])
	if err != nil {
		t.Fatalf("Bad identity: %s", err)
	}
	echo, err := connector.ChunkDecodeStrings(replies[connector.KeyResponderEcho])
	if err != nil {
		t.Fatalf("Bad echo: %s", err)
	}
	step5, err := initiator.HandleReply(s, identity, echo)
	if err != nil {
		t.Fatalf("Reply to restarted handshake rejected: %s", err)
	}
	sendMessage(t, remote, "dev", connector.KeyInitiatorEcho, step5.Bytes())
	if verdict := nextEvent(t, remote); verdict.Key != connector.KeyVerification || verdict.Value != connector.VerificationSuccess {
		t.Errorf("Unexpected verdict %+v", verdict)
	}
	result := nextResult(t, server)
	if !result.Verdict.OK() || result.PeerNonce != s.Nonce() {
		t.Errorf("Unexpected result %+v", result)
	}
}

func TestServerExpiresSessions(t *testing.T) {
	server, remote := startServer(t, newTestResponder(t), 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := remote.Send(ctx, connector.Event{Session: "slow", Key: connector.KeyInitiatorIdentity, Value: "AAAA"}); err != nil {
		t.Fatalf("Failed to send: %s", err)
	}
	event := nextEvent(t, remote)
	if event.Key != connector.KeyError || event.Value != "ProtocolState: session expired" {
		t.Errorf("Unexpected event %+v", event)
	}
	if server.Sessions() != 0 {
		t.Error("Expired session not removed")
	}
}

func TestServerHonorsInitiatorAbort(t *testing.T) {
	server, remote := startServer(t, newTestResponder(t), time.Minute)
	_, step1, _ := newTestInitiator(t).Start()
	sendMessage(t, remote, "s", connector.KeyInitiatorIdentity, step1.Bytes())
	for i := 0; i < 10; i++ {
		nextEvent(t, remote)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := remote.Send(ctx, connector.Event{Session: "s", Key: connector.KeyError, Value: "EchoMismatch: initiator message changed"}); err != nil {
		t.Fatalf("Failed to send: %s", err)
	}
	result := nextResult(t, server)
	if result.Verdict.Fault != authentication.FaultEchoMismatch {
		t.Errorf("Unexpected result %+v", result)
	}
}

// fakeResponder answers one handshake, sending the step 3 messages in reverse order.
func fakeResponder(t *testing.T, conn connector.Connector, responder *authentication.Responder, done chan<- error) {
	s := responder.NewSession()
	chunks := newAssembler()
	for event := range conn.Receive() {
		message, complete, err := chunks.add(event.Key, event.Value)
		if err != nil {
			done <- err
			return
		}
		if !complete {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		switch event.Key {
		case connector.KeyInitiatorIdentity:
			reply, err := responder.HandleIdentity(s, message)
			if err == nil {
				err = connector.SendChunked(ctx, conn, event.Session, connector.KeyResponderEcho, reply.Echo.Bytes())
			}
			if err == nil {
				err = connector.SendChunked(ctx, conn, event.Session, connector.KeyResponderIdentity, reply.Identity.Bytes())
			}
			if err != nil {
				cancel()
				done <- err
				return
			}
		case connector.KeyInitiatorEcho:
			err = responder.HandleEcho(s, message)
			if err == nil {
				err = conn.Send(ctx, connector.Event{Key: connector.KeyVerification, Value: connector.VerificationSuccess})
			}
			cancel()
			done <- err
			return
		}
		cancel()
	}
	done <- connector.ErrClosed
}

func TestClientAcceptsEitherReplyOrder(t *testing.T) {
	local, remote := pipe.New(connector.DefaultChunkSize)
	defer local.Close()
	done := make(chan error, 1)
	go fakeResponder(t, remote, newTestResponder(t), done)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := NewClient(local, newTestInitiator(t), "").Handshake(ctx); err != nil {
		t.Fatalf("Handshake failed: %s", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Responder failed: %s", err)
	}
}

func TestClientReportsRemoteFailure(t *testing.T) {
	replay := authentication.ReplayFilterFunc(func(authentication.PublicKey, authentication.Nonce) bool {
		return false
	})
	_, remote := startServer(t, newTestResponder(t, authentication.WithReplayFilter(replay)), time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	s, err := NewClient(remote, newTestInitiator(t), "replayed").Handshake(ctx)
	if !errors.Is(err, authentication.ErrReplayedNonce) {
		t.Errorf("Expected replayed nonce, got %v", err)
	}
	if s.State() != authentication.StateFailed {
		t.Errorf("Client finished in state %s", s.State())
	}
}

func TestClientTimeout(t *testing.T) {
	local, remote := pipe.New(connector.DefaultChunkSize)
	defer local.Close()
	defer remote.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s, err := NewClient(local, newTestInitiator(t), "silent").Handshake(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if s.State() != authentication.StateFailed {
		t.Errorf("Client finished in state %s", s.State())
	}
}

func TestServerSendFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewConnector(ctrl)
	inbox := make(chan connector.Event, connector.BufferSize)
	conn.EXPECT().Receive().Return((<-chan connector.Event)(inbox)).AnyTimes()
	conn.EXPECT().ChunkSize().Return(connector.DefaultChunkSize).AnyTimes()
	conn.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("link down")).Times(1)

	server := NewServer(conn, newTestResponder(t))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := server.Start(ctx); err != nil {
		t.Fatalf("Failed to start server: %s", err)
	}
	defer server.Stop()

	_, step1, _ := newTestInitiator(t).Start()
	for chunk := range connector.ChunkEncode(step1.Bytes(), connector.DefaultChunkSize) {
		inbox <- connector.Event{Session: "s", Key: connector.KeyInitiatorIdentity, Value: chunk}
	}
	result := nextResult(t, server)
	if result.Verdict.Fault != authentication.FaultProtocolState || result.Verdict.Info != "link down" {
		t.Errorf("Unexpected result %+v", result)
	}
}

func TestServerStopsWhenConnectionCloses(t *testing.T) {
	local, remote := pipe.New(connector.DefaultChunkSize)
	server := NewServer(local, newTestResponder(t))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := server.Start(ctx); err != nil {
		t.Fatalf("Failed to start server: %s", err)
	}
	remote.Close()
	select {
	case <-server.Done():
	case <-time.After(testTimeout):
		t.Fatal("Server did not stop")
	}
	server.Stop()
}
