package dispatcher

import (
	"context"

	"github.com/teslamotors/keyexchange/internal/authentication"
	"github.com/teslamotors/keyexchange/internal/log"
	"github.com/teslamotors/keyexchange/pkg/connector"
)

// A Client runs handshakes as the Initiator over a Connector. The Client must be the only reader
// of the Connector while a handshake is in progress.
type Client struct {
	conn      connector.Connector
	initiator *authentication.Initiator
	id        string
}

// NewClient creates a Client. Events are tagged with id, and inbound events tagged with a
// different non-empty id are ignored.
func NewClient(conn connector.Connector, initiator *authentication.Initiator, id string) *Client {
	return &Client{conn: conn, initiator: initiator, id: id}
}

func (c *Client) ours(event connector.Event) bool {
	return event.Session == "" || c.id == "" || event.Session == c.id
}

// Handshake runs a complete handshake and returns the finished Session. The returned error is
// non-nil if the handshake failed for any reason, including a failure reported by the Responder.
//
// The Responder's step 3 messages are accepted in either order.
func (c *Client) Handshake(ctx context.Context) (*authentication.Session, error) {
	s, step1, err := c.initiator.Start()
	if err != nil {
		return nil, err
	}
	log.Debug("[%s] Starting handshake with nonce %s", c.id, s.Nonce())
	if err = connector.SendChunked(ctx, c.conn, c.id, connector.KeyInitiatorIdentity, step1.Bytes()); err != nil {
		return s, s.Abort(err)
	}

	chunks := newAssembler()
	var identity, echo []byte
	for {
		var event connector.Event
		var open bool
		select {
		case event, open = <-c.conn.Receive():
			if !open {
				return s, s.Abort(connector.ErrClosed)
			}
		case <-ctx.Done():
			c.abandon(s, s.Abort(ctx.Err()))
			return s, ctx.Err()
		}
		if !c.ours(event) {
			log.Debug("[%s] Ignoring event for session %s", c.id, event.Session)
			continue
		}

		switch event.Key {
		case connector.KeyResponderIdentity, connector.KeyResponderEcho:
			if s.State() != authentication.StateAwaitingResponderReply {
				err = s.Abort(&authentication.Error{
					Fault: authentication.FaultProtocolState,
					Info:  "unexpected " + event.Key,
				})
				c.abandon(s, err)
				return s, err
			}
			message, complete, err := chunks.add(event.Key, event.Value)
			if err != nil {
				c.abandon(s, s.Abort(err))
				return s, err
			}
			if !complete {
				continue
			}
			if event.Key == connector.KeyResponderIdentity {
				identity = message
			} else {
				echo = message
			}
			if identity == nil || echo == nil {
				continue
			}
			step5, err := c.initiator.HandleReply(s, identity, echo)
			if err != nil {
				c.abandon(s, err)
				return s, err
			}
			peer, _ := s.PeerPublicKey()
			log.Debug("[%s] Verified identity of %s", c.id, peer)
			if err = connector.SendChunked(ctx, c.conn, c.id, connector.KeyInitiatorEcho, step5.Bytes()); err != nil {
				return s, s.Abort(err)
			}
		case connector.KeyVerification:
			verdict := authentication.Verdict{}
			if event.Value != connector.VerificationSuccess {
				verdict = authentication.ParseVerdict(event.Value)
			}
			return s, c.initiator.ApplyVerdict(s, verdict)
		case connector.KeyError:
			return s, c.initiator.ApplyVerdict(s, authentication.ParseVerdict(event.Value))
		default:
			log.Debug("[%s] Ignoring event %s", c.id, event.Key)
		}
	}
}

// abandon tells the Responder that the Initiator has given up on the handshake.
func (c *Client) abandon(s *authentication.Session, cause error) {
	log.Warning("[%s] Handshake failed: %s", c.id, cause)
	verdict := authentication.VerdictOf(cause)
	ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
	defer cancel()
	event := connector.Event{Session: c.id, Key: connector.KeyError, Value: verdict.String()}
	if err := c.conn.Send(ctx, event); err != nil {
		log.Debug("[%s] Failed to notify peer: %s", c.id, err)
	}
}
