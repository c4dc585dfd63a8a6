package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/teslamotors/keyexchange/internal/log"
	"github.com/teslamotors/keyexchange/pkg/protocol"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName  = "com.tesla.kex"
	keyringKeyService   = "kexIdentityKey"
	keyringTokenService = "keyServiceToken"
	keyringPeerService  = "trustedPeer"
	keyringDirectory    = "~/.kex_keys"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

func (c *Config) getPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}

	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("no terminal output available for password prompt")
		}
		w = os.Stderr
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	password := string(b)
	c.password = &password
	return password, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	return keyring.Open(c.Backend)
}

// LoadTokenFromKeyring loads a key service token from the system keyring.
func (c *Config) LoadTokenFromKeyring() (string, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return "", err
	}

	item, err := kr.Get(keyringTokenService + "." + c.KeyringTokenName)
	if err != nil {
		return "", fmt.Errorf("could not load token: %w", err)
	}
	return string(item.Data), nil
}

// SaveTokenToKeyring writes a key service token to the system keyring under c.KeyringTokenName.
func (c *Config) SaveTokenToKeyring(token string) error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}

	if err := kr.Set(keyring.Item{
		Key:  keyringTokenService + "." + c.KeyringTokenName,
		Data: []byte(token),
	}); err != nil {
		return fmt.Errorf("failed to enroll token in keyring: %w", err)
	}
	return nil
}

// LoadKeyFromKeyring reads a private key seed from the system keyring.
//
// c.KeyringKeyName is an arbitrary string that identifies the key.
func (c *Config) LoadKeyFromKeyring() (protocol.PrivateKey, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return nil, err
	}
	item, err := kr.Get(c.fullKeyName())
	if err != nil {
		return nil, fmt.Errorf("could not load key: %w", err)
	}
	key := protocol.UnmarshalPrivateKey(item.Data)
	if key == nil {
		return nil, fmt.Errorf("invalid private key")
	}
	return key, nil
}

func (c *Config) fullKeyName() string {
	return keyringKeyService + "." + c.KeyringKeyName
}

// saveKeyToKeyring writes the seed of a private key to the system keyring.
func (c *Config) saveKeyToKeyring(key protocol.PrivateKey) error {
	nativeKey, ok := key.(interface{ Seed() []byte })
	if !ok {
		return fmt.Errorf("key is not exportable")
	}

	kr, err := c.openKeyring()
	if err != nil {
		return err
	}

	if err := kr.Set(keyring.Item{
		Key:  c.fullKeyName(),
		Data: nativeKey.Seed(),
	}); err != nil {
		return fmt.Errorf("failed to enroll key in keyring: %w", err)
	}
	return nil
}

// DeletePrivateKey removes the private key from the system keyring.
func (c *Config) DeletePrivateKey() error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(c.fullKeyName())
}

func peerItemName(name string) string {
	return keyringPeerService + "." + name
}

// LoadPeerRecord returns the trusted peer record stored under name.
func (c *Config) LoadPeerRecord(name string) (*protocol.PeerRecord, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return nil, err
	}
	item, err := kr.Get(peerItemName(name))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownPeer, name)
		}
		return nil, err
	}
	return protocol.UnmarshalPeerRecord(item.Data)
}

// RecordHandshake pins the public key of the peer called name the first time a handshake with it
// succeeds (trust on first use). Later handshakes must present the same key; a different key
// returns protocol.ErrPeerKeyChanged and leaves the stored record untouched.
func (c *Config) RecordHandshake(name string, publicKey protocol.PublicKey, nonce protocol.Nonce) (*protocol.PeerRecord, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var record *protocol.PeerRecord
	item, err := kr.Get(peerItemName(name))
	switch {
	case errors.Is(err, keyring.ErrKeyNotFound):
		log.Info("Trusting new peer %s with key %s", name, publicKey)
		record = protocol.NewPeerRecord(name, publicKey, nonce, now)
	case err != nil:
		return nil, err
	default:
		if record, err = protocol.UnmarshalPeerRecord(item.Data); err != nil {
			return nil, err
		}
		if err = record.Observe(publicKey, nonce, now); err != nil {
			return nil, err
		}
	}
	encoded, err := record.Marshal()
	if err != nil {
		return nil, err
	}
	if err = kr.Set(keyring.Item{
		Key:   peerItemName(name),
		Data:  encoded,
		Label: "kex peer " + name,
	}); err != nil {
		return nil, fmt.Errorf("failed to store peer record: %w", err)
	}
	return record, nil
}

// RemovePeer forgets the peer called name.
func (c *Config) RemovePeer(name string) error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(peerItemName(name))
}

// ListPeers returns every trusted peer record, sorted by name.
func (c *Config) ListPeers() ([]*protocol.PeerRecord, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return nil, err
	}
	keys, err := kr.Keys()
	if err != nil {
		return nil, err
	}
	var records []*protocol.PeerRecord
	for _, key := range keys {
		name, ok := strings.CutPrefix(key, keyringPeerService+".")
		if !ok {
			continue
		}
		item, err := kr.Get(key)
		if err != nil {
			return nil, err
		}
		record, err := protocol.UnmarshalPeerRecord(item.Data)
		if err != nil {
			log.Warning("Skipping unreadable peer record %s: %s", name, err)
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
	return records, nil
}
