package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/teslamotors/keyexchange/internal/authentication"
	"github.com/teslamotors/keyexchange/internal/dispatcher"
	"github.com/teslamotors/keyexchange/pkg/cli"
	"github.com/teslamotors/keyexchange/pkg/connector"
	"github.com/teslamotors/keyexchange/pkg/connector/pipe"
	"github.com/teslamotors/keyexchange/pkg/protocol"
)

var (
	ErrCommandLineArgs      = errors.New("invalid command line arguments")
	ErrRequiresPrivateKey   = errors.New("command requires a private key")
	ErrRequiresDevice       = errors.New("command requires a device")
	ErrRequiresKeyService   = errors.New("command requires a key service URL")
	ErrUnknownCommand       = errors.New("unrecognized command")
	ErrUnexpectedPeer       = errors.New("peer presented an unexpected public key")
	ErrHandshakesIncomplete = errors.New("some handshakes failed")
)

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, env *environment, args map[string]string) error

type Command struct {
	help               string
	requiresKey        bool // True if the command signs with the local identity key
	acceptsKey         bool // True if the command uses the local identity key when one is configured
	requiresDevice     bool // True if the command talks to a peer over -device
	requiresKeyService bool // True if the command talks to the key service
	usesKeyring        bool // True if the command reads or writes trusted peer records
	args               []Argument
	optional           []Argument
	handler            Handler
}

// environment carries what handlers need. The device is opened on first use so that the
// interactive shell keeps a single connection across commands.
type environment struct {
	config   *cli.Config
	out      io.Writer
	peerName string
	conn     connector.Connector
}

func (e *environment) connect() (connector.Connector, error) {
	if e.conn != nil {
		return e.conn, nil
	}
	conn, err := e.config.Connect()
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return conn, nil
}

func (e *environment) close() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}

func (e *environment) chunkSize() int {
	if e.config.ChunkSize == 0 {
		return connector.DefaultChunkSize
	}
	return e.config.ChunkSize
}

// pin records a successful handshake under -peer, if one was given.
func (e *environment) pin(publicKey protocol.PublicKey, nonce protocol.Nonce) error {
	if e.peerName == "" {
		return nil
	}
	record, err := e.config.RecordHandshake(e.peerName, publicKey, nonce)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Peer %s: %d handshake(s) since %s\n", record.Name, record.Handshakes, record.FirstSeen.Format("2006-01-02"))
	return nil
}

func (e *environment) initiator() (*authentication.Initiator, error) {
	skey, err := e.config.PrivateKey()
	if err != nil {
		return nil, err
	}
	options, err := e.config.HandshakeOptions()
	if err != nil {
		return nil, err
	}
	return authentication.NewInitiator(skey, options...)
}

func (e *environment) responder() (*authentication.Responder, error) {
	skey, err := e.config.PrivateKey()
	if err != nil {
		return nil, err
	}
	options, err := e.config.HandshakeOptions()
	if err != nil {
		return nil, err
	}
	return authentication.NewResponder(skey, options...)
}

// configureFlags verifies that c contains all the information required to execute a command.
func configureFlags(c *cli.Config, commandName string) error {
	info, ok := commands[commandName]
	if !ok {
		return ErrUnknownCommand
	}
	c.Flags = 0
	if info.requiresKey || info.acceptsKey || info.usesKeyring {
		c.Flags |= cli.FlagPrivateKey
	}
	if info.requiresKey {
		c.Flags |= cli.FlagNonceCache
	}
	if info.requiresDevice {
		c.Flags |= cli.FlagTransport
	}
	if info.requiresKeyService {
		c.Flags |= cli.FlagKeyService
	}

	havePrivateKey := !(c.KeyringKeyName == "" && c.KeyFilename == "")
	_, err := checkReadiness(commandName, havePrivateKey, c.Device != "", c.KeyServiceURL != "")
	return err
}

func checkReadiness(commandName string, havePrivateKey, haveDevice, haveKeyService bool) (*Command, error) {
	info, ok := commands[commandName]
	if !ok {
		return nil, ErrUnknownCommand
	}
	if info.requiresKey && !havePrivateKey {
		return nil, ErrRequiresPrivateKey
	}
	if info.requiresDevice && !haveDevice {
		return nil, ErrRequiresDevice
	}
	if info.requiresKeyService && !haveKeyService {
		return nil, ErrRequiresKeyService
	}
	return info, nil
}

func execute(ctx context.Context, env *environment, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, env, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(env.out, args[0])
	}
	return err
}

func (c *Command) Usage(w io.Writer, name string) {
	fmt.Fprintf(w, "Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Fprintf(w, " %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(w, " [")
	}
	for _, arg := range c.optional {
		fmt.Fprintf(w, " %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(w, " ]")
	}
	fmt.Fprintf(w, "\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Fprintf(w, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Fprintf(w, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

// decodeSignedMessage accepts a SignedMessage in the wire encoding (base64) or as hex.
func decodeSignedMessage(encoded string) (*authentication.SignedMessage, error) {
	encoded = strings.TrimSpace(encoded)
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) != authentication.SignedMessageSize {
		raw, err = connector.ChunkDecodeStrings([]string{encoded})
		if err != nil {
			return nil, err
		}
	}
	return authentication.ParseSignedMessage(raw)
}

// readArgument returns value, or the contents of the file it names when prefixed with @. The
// value "-" reads standard input.
func readArgument(value string) (string, error) {
	var contents []byte
	var err error
	switch {
	case value == "-":
		contents, err = io.ReadAll(os.Stdin)
	case strings.HasPrefix(value, "@"):
		contents, err = os.ReadFile(value[1:])
	default:
		return value, nil
	}
	return strings.TrimSpace(string(contents)), err
}

func printJSON(w io.Writer, v interface{}) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", encoded)
	return err
}

func respond(ctx context.Context, env *environment, args map[string]string) error {
	count := 1
	if value, ok := args["COUNT"]; ok {
		var err error
		if count, err = strconv.Atoi(value); err != nil || count < 0 {
			return fmt.Errorf("%w: COUNT must be a non-negative integer", ErrCommandLineArgs)
		}
	}
	responder, err := env.responder()
	if err != nil {
		return err
	}
	conn, err := env.connect()
	if err != nil {
		return err
	}
	server := dispatcher.NewServer(conn, responder)
	if err = server.Start(ctx); err != nil {
		return err
	}
	defer server.Stop()

	failures := 0
	for served := 0; count == 0 || served < count; served++ {
		select {
		case result := <-server.Results():
			if !result.Verdict.OK() {
				failures++
				fmt.Fprintf(env.out, "Handshake failed: %s\n", result.Verdict)
				continue
			}
			fmt.Fprintf(env.out, "Authenticated %s\n", result.PeerKey)
			if err = env.pin(result.PeerKey, result.PeerNonce); err != nil {
				return err
			}
		case <-server.Done():
			return connector.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failures > 0 {
		return fmt.Errorf("%w: %d of %d", ErrHandshakesIncomplete, failures, count)
	}
	return nil
}

func initiate(ctx context.Context, env *environment, args map[string]string) error {
	var expected *protocol.PublicKey
	if filename, ok := args["PUBLIC_KEY"]; ok {
		publicKey, err := protocol.LoadPublicKey(filename)
		if err != nil {
			return fmt.Errorf("invalid public key: %w", err)
		}
		expected = &publicKey
	}
	initiator, err := env.initiator()
	if err != nil {
		return err
	}
	conn, err := env.connect()
	if err != nil {
		return err
	}
	s, err := dispatcher.NewClient(conn, initiator, "").Handshake(ctx)
	if err != nil {
		return err
	}
	defer s.Discard()
	peer, _ := s.PeerPublicKey()
	nonce, _ := s.PeerNonce()
	if expected != nil && *expected != peer {
		return fmt.Errorf("%w: %s", ErrUnexpectedPeer, peer)
	}
	fmt.Fprintf(env.out, "Authenticated %s\n", peer)
	return env.pin(peer, nonce)
}

// loopback runs a complete handshake between the local key and a throwaway Responder over an
// in-memory pipe. It exercises the transport and dispatcher without any hardware attached.
func loopback(ctx context.Context, env *environment, args map[string]string) error {
	skey, err := env.config.PrivateKey()
	if errors.Is(err, cli.ErrNoKeySpecified) {
		skey, err = protocol.GeneratePrivateKey()
	}
	if err != nil {
		return err
	}
	peerKey, err := protocol.GeneratePrivateKey()
	if err != nil {
		return err
	}
	initiator, err := authentication.NewInitiator(skey)
	if err != nil {
		return err
	}
	responder, err := authentication.NewResponder(peerKey)
	if err != nil {
		return err
	}

	local, remote := pipe.New(env.chunkSize())
	defer local.Close()
	server := dispatcher.NewServer(remote, responder)
	if err = server.Start(ctx); err != nil {
		return err
	}
	defer server.Stop()

	s, err := dispatcher.NewClient(local, initiator, "loopback").Handshake(ctx)
	if err != nil {
		return err
	}
	defer s.Discard()
	peer, _ := s.PeerPublicKey()
	fmt.Fprintf(env.out, "Initiator %s: %s, responder %s\n", initiator.PublicKey(), s.Verdict(), peer)

	select {
	case result := <-server.Results():
		fmt.Fprintf(env.out, "Responder %s: %s, initiator %s\n", responder.PublicKey(), result.Verdict, result.PeerKey)
		return result.Verdict.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func inspect(ctx context.Context, env *environment, args map[string]string) error {
	signed, err := decodeSignedMessage(args["MESSAGE"])
	if err != nil {
		return err
	}
	publicKey := signed.Message.PublicKey()
	fmt.Fprintf(env.out, "Public key: %s\n", publicKey)
	fmt.Fprintf(env.out, "Key ID:     %s\n", authentication.PublicKeyID(publicKey[:]))
	fmt.Fprintf(env.out, "Nonce:      %s\n", signed.Message.Nonce())
	if filename, ok := args["PUBLIC_KEY"]; ok {
		publicKey, err := protocol.LoadPublicKey(filename)
		if err != nil {
			return fmt.Errorf("invalid public key: %w", err)
		}
		err = signed.VerifyWith(publicKey)
		fmt.Fprintf(env.out, "Signature:  %s (under %s)\n", authentication.VerdictOf(err), publicKey)
		return err
	}
	err = signed.VerifySelf()
	fmt.Fprintf(env.out, "Signature:  %s (self-signed)\n", authentication.VerdictOf(err))
	return err
}

// verify checks a detached Ed25519 signature over a payload of any length. DATA is the payload
// followed by its signature.
func verify(ctx context.Context, env *environment, args map[string]string) error {
	encoded, err := readArgument(args["DATA"])
	if err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: DATA must be base64: %s", ErrCommandLineArgs, err)
	}
	messageLength := len(data) - authentication.SignatureSize
	if value, ok := args["MESSAGE_LENGTH"]; ok {
		if messageLength, err = strconv.Atoi(value); err != nil || messageLength < 0 {
			return fmt.Errorf("%w: invalid MESSAGE_LENGTH %q", ErrCommandLineArgs, value)
		}
	}
	if messageLength < 0 || messageLength > len(data) {
		return &authentication.Error{
			Fault: authentication.FaultMalformedInput,
			Info:  fmt.Sprintf("%d bytes of data cannot hold a %d-byte message", len(data), messageLength),
		}
	}
	publicKey, err := protocol.LoadPublicKey(args["PUBLIC_KEY"])
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	message, signature := data[:messageLength], data[messageLength:]
	fmt.Fprintf(env.out, "Message:    %x\n", message)
	fmt.Fprintf(env.out, "Signature:  %x\n", signature)
	err = authentication.Verify(publicKey[:], message, signature)
	fmt.Fprintf(env.out, "Verdict:    %s (under %s)\n", authentication.VerdictOf(err), publicKey)
	return err
}

// sign prints the base64 Ed25519 signature of a base64 payload under the local identity key.
func sign(ctx context.Context, env *environment, args map[string]string) error {
	encoded, err := readArgument(args["PAYLOAD"])
	if err != nil {
		return err
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: PAYLOAD must be base64: %s", ErrCommandLineArgs, err)
	}
	skey, err := env.config.PrivateKey()
	if err != nil {
		return err
	}
	signature, err := skey.Sign(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(env.out, base64.StdEncoding.EncodeToString(signature))
	return err
}

func keyInfo(ctx context.Context, env *environment, args map[string]string) error {
	token, err := readArgument(args["TOKEN"])
	if err != nil {
		return err
	}
	info, err := authentication.VerifyKeyInfo(token)
	if err != nil {
		return err
	}
	return printJSON(env.out, info)
}

func register(ctx context.Context, env *environment, args map[string]string) error {
	token, err := readArgument(args["TOKEN"])
	if err != nil {
		return err
	}
	client, err := env.config.KeyService()
	if err != nil {
		return err
	}
	return client.Register(ctx, token)
}

func lookup(ctx context.Context, env *environment, args map[string]string) error {
	client, err := env.config.KeyService()
	if err != nil {
		return err
	}
	info, err := client.Lookup(ctx, args["DEVICE_ID"])
	if err != nil {
		return err
	}
	return printJSON(env.out, info)
}

func peer(ctx context.Context, env *environment, args map[string]string) error {
	name := args["NAME"]
	switch args["ACTION"] {
	case "list":
		records, err := env.config.ListPeers()
		if err != nil {
			return err
		}
		for _, record := range records {
			fmt.Fprintf(env.out, "%-20s %s %d\n", record.Name, record.PublicKey, record.Handshakes)
		}
		return nil
	case "show":
		if name == "" {
			return fmt.Errorf("%w: show requires NAME", ErrCommandLineArgs)
		}
		record, err := env.config.LoadPeerRecord(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.out, "Name:       %s\n", record.Name)
		fmt.Fprintf(env.out, "Public key: %s\n", record.PublicKey)
		fmt.Fprintf(env.out, "First seen: %s\n", record.FirstSeen)
		fmt.Fprintf(env.out, "Last seen:  %s\n", record.LastSeen)
		fmt.Fprintf(env.out, "Last nonce: %s\n", record.LastNonce)
		fmt.Fprintf(env.out, "Handshakes: %d\n", record.Handshakes)
		return nil
	case "forget":
		if name == "" {
			return fmt.Errorf("%w: forget requires NAME", ErrCommandLineArgs)
		}
		return env.config.RemovePeer(name)
	}
	return fmt.Errorf("%w: unknown ACTION %q", ErrCommandLineArgs, args["ACTION"])
}

var commands = map[string]*Command{
	"respond": &Command{
		help:           "Answer handshakes arriving on the device",
		requiresKey:    true,
		requiresDevice: true,
		optional: []Argument{
			Argument{name: "COUNT", help: "Number of handshakes to answer (default 1; 0 answers until the timeout)"},
		},
		handler: respond,
	},
	"initiate": &Command{
		help:           "Start a handshake with the peer on the device",
		requiresKey:    true,
		requiresDevice: true,
		optional: []Argument{
			Argument{name: "PUBLIC_KEY", help: "file containing the public key the peer must present"},
		},
		handler: initiate,
	},
	"loopback": &Command{
		help:       "Run a handshake against an in-memory responder (uses a throwaway key if none is configured)",
		acceptsKey: true,
		handler:    loopback,
	},
	"inspect": &Command{
		help: "Decode a signed identity message and check its signature",
		args: []Argument{
			Argument{name: "MESSAGE", help: "signed message, base64 (as sent on the wire) or hex"},
		},
		optional: []Argument{
			Argument{name: "PUBLIC_KEY", help: "file containing the expected signer's public key (defaults to the embedded key)"},
		},
		handler: inspect,
	},
	"verify": &Command{
		help: "Check a detached signature over a payload of any length",
		args: []Argument{
			Argument{name: "DATA", help: "base64 payload followed by its 64-byte signature, @file, or - for stdin"},
			Argument{name: "PUBLIC_KEY", help: "file containing the signer's public key"},
		},
		optional: []Argument{
			Argument{name: "MESSAGE_LENGTH", help: "payload length in bytes (defaults to everything before the last 64 bytes)"},
		},
		handler: verify,
	},
	"sign": &Command{
		help:        "Sign a payload with the local identity key and print the base64 signature",
		requiresKey: true,
		args: []Argument{
			Argument{name: "PAYLOAD", help: "base64 payload, @file, or - for stdin"},
		},
		handler: sign,
	},
	"keyinfo": &Command{
		help: "Verify a key info token and print its contents",
		args: []Argument{
			Argument{name: "TOKEN", help: "token, @file, or - for stdin"},
		},
		handler: keyInfo,
	},
	"register": &Command{
		help:               "Upload a key info token to the key service",
		requiresKeyService: true,
		args: []Argument{
			Argument{name: "TOKEN", help: "token, @file, or - for stdin"},
		},
		handler: register,
	},
	"lookup": &Command{
		help:               "Fetch and verify the key registered for a device",
		requiresKeyService: true,
		args: []Argument{
			Argument{name: "DEVICE_ID", help: "hardware device ID"},
		},
		handler: lookup,
	},
	"peer": &Command{
		help:        "Manage trusted peers pinned with -peer",
		usesKeyring: true,
		args: []Argument{
			Argument{name: "ACTION", help: "One of: list, show, forget"},
		},
		optional: []Argument{
			Argument{name: "NAME", help: "peer name (required by show and forget)"},
		},
		handler: peer,
	},
}
