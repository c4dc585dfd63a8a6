/*
Package cli facilitates building command-line applications that run key exchange handshakes. It
defines a [Config] type that can be used to register common command-line flags (using the Golang
flag package) and environment variable equivalents.

The package uses [keyring]'s platform-agnostic interface for storing sensitive values (private key
seeds, key service tokens, and trusted peer records) in an OS-dependent credential store.

# Examples

	import flag

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for private keys, devices, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	config.LoadCredentials()          // Prompt for Keyring password if needed

	conn, err := config.Connect()     // Opens the serial device (or stdio when the device is "-")
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	defer config.SaveNonceCache()

Use a [Flag] mask to control what [Config] fields are populated. Note that config.Flags must be set
before calling [flag.Parse] or [Config.ReadFromEnvironment]:

	config, err = NewConfig(FlagPrivateKey | FlagTransport) // No key service or nonce cache.
	config, err = NewConfig(FlagKeyService)                 // Only talks to the key service.
*/
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/teslamotors/keyexchange/internal/authentication"
	"github.com/teslamotors/keyexchange/internal/log"
	"github.com/teslamotors/keyexchange/pkg/cache"
	"github.com/teslamotors/keyexchange/pkg/connector"
	"github.com/teslamotors/keyexchange/pkg/connector/greentea"
	"github.com/teslamotors/keyexchange/pkg/keyservice"
	"github.com/teslamotors/keyexchange/pkg/protocol"

	"github.com/99designs/keyring"
)

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvKexKeyName      = "KEX_KEY_NAME"
	EnvKexKeyFile      = "KEX_KEY_FILE"
	EnvKexTokenName    = "KEX_TOKEN_NAME"
	EnvKexTokenFile    = "KEX_TOKEN_FILE"
	EnvKexDevice       = "KEX_DEVICE"
	EnvKexChunkSize    = "KEX_CHUNK_SIZE"
	EnvKexKeyService   = "KEX_KEY_SERVICE"
	EnvKexCacheFile    = "KEX_CACHE_FILE"
	EnvKexKeyringType  = "KEX_KEYRING_TYPE"
	EnvKexKeyringPass  = "KEX_KEYRING_PASSWORD"
	EnvKexKeyringPath  = "KEX_KEYRING_PATH"
	EnvKexKeyringDebug = "KEX_KEYRING_DEBUG"

	StdioDevice       = "-"
	defaultCachePeers = 1024
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagPrivateKey Flag = 1 // Enable Private Key options. Required for running handshakes.
	FlagTransport  Flag = 2 // Enable device and chunk size options.
	FlagKeyService Flag = 4 // Enable key service URL and token options.
	FlagNonceCache Flag = 8 // Enable the persistent nonce cache used to detect replays.
	FlagAll        Flag = FlagPrivateKey | FlagTransport | FlagKeyService | FlagNonceCache
)

var (
	ErrNoKeySpecified        = errors.New("private key location not provided")
	ErrNoDevice              = errors.New("no device specified (use - for standard input/output)")
	ErrNoKeyServiceSpecified = errors.New("key service URL not provided")
	ErrKeyNotFound           = keyring.ErrKeyNotFound
)

// Config fields determine how a client loads its identity and reaches its peer.
type Config struct {
	Flags            Flag   // Controls which set of environment variables/CLI flags to use.
	KeyringKeyName   string // Username for private key in system keyring
	KeyringTokenName string // Username for key service token in system keyring
	KeyFilename      string
	TokenFilename    string
	CacheFilename    string
	Device           string // Serial device node, or "-" for stdio
	ChunkSize        int
	KeyServiceURL    string
	Backend          keyring.Config
	BackendType      backendType
	Debug            bool // Enable keyring debug messages

	password *string
	nonces   *cache.NonceCache
	skey     protocol.PrivateKey
	token    string
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

// RegisterCommandLineFlags registers flags on flag.CommandLine.
func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags registers the flags enabled by c.Flags on fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	if c.Flags.isSet(FlagPrivateKey) {
		fs.StringVar(&c.KeyringKeyName, "key-name", "", "System keyring `name` for private key. Defaults to $KEX_KEY_NAME.")
		fs.StringVar(&c.KeyFilename, "key-file", "", "A `file` containing private key. Defaults to $KEX_KEY_FILE.")
	}
	if c.Flags.isSet(FlagTransport) {
		fs.StringVar(&c.Device, "device", "", "Serial `device` connected to the peer, or - for stdio. Defaults to $KEX_DEVICE.")
		fs.IntVar(&c.ChunkSize, "chunk-size", 0, "Maximum `characters` per transmitted chunk. Defaults to $KEX_CHUNK_SIZE or 30.")
	}
	if c.Flags.isSet(FlagNonceCache) {
		fs.StringVar(&c.CacheFilename, "nonce-cache", "", "Load nonce cache from `file`. Defaults to $KEX_CACHE_FILE.")
	}
	if c.Flags.isSet(FlagKeyService) {
		fs.StringVar(&c.KeyServiceURL, "key-service", "", "Key service base `URL`. Defaults to $KEX_KEY_SERVICE.")
		fs.StringVar(&c.KeyringTokenName, "token-name", "", "System keyring `name` for key service token. Defaults to $KEX_TOKEN_NAME.")
		fs.StringVar(&c.TokenFilename, "token-file", "", "`File` containing key service token. Defaults to $KEX_TOKEN_FILE.")
	}
	if c.Flags.isSet(FlagKeyService) || c.Flags.isSet(FlagPrivateKey) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $KEX_KEYRING_TYPE.")
		fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// LoadCredentials attempts to open a keyring, prompting for a password if needed. Call this
// method before starting a handshake to prevent interactive prompts from counting against
// timeouts.
func (c *Config) LoadCredentials() error {
	if c.Flags.isSet(FlagKeyService) && (c.KeyringTokenName != "" || c.TokenFilename != "") {
		if _, err := c.loadToken(); err != nil {
			return err
		}
	}
	if c.Flags.isSet(FlagPrivateKey) && (c.KeyringKeyName != "" || c.KeyFilename != "") {
		if _, err := c.PrivateKey(); err != nil {
			return err
		}
	}
	return nil
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagPrivateKey) {
		if c.KeyringKeyName == "" && c.KeyFilename == "" {
			c.KeyringKeyName = os.Getenv(EnvKexKeyName)
			log.Debug("Set key name to '%s'", c.KeyringKeyName)

			c.KeyFilename = os.Getenv(EnvKexKeyFile)
			log.Debug("Set key file to '%s'", c.KeyFilename)
		}
	}
	if c.Flags.isSet(FlagTransport) {
		if c.Device == "" {
			c.Device = os.Getenv(EnvKexDevice)
			log.Debug("Set device to '%s'", c.Device)
		}
		if c.ChunkSize == 0 {
			if size, err := strconv.Atoi(os.Getenv(EnvKexChunkSize)); err == nil {
				c.ChunkSize = size
				log.Debug("Set chunk size to %d", c.ChunkSize)
			}
		}
	}
	if c.Flags.isSet(FlagNonceCache) {
		if c.CacheFilename == "" {
			c.CacheFilename = os.Getenv(EnvKexCacheFile)
			log.Debug("Set nonce cache file to '%s'", c.CacheFilename)
		}
	}
	if c.Flags.isSet(FlagKeyService) {
		if c.KeyServiceURL == "" {
			c.KeyServiceURL = os.Getenv(EnvKexKeyService)
			log.Debug("Set key service to '%s'", c.KeyServiceURL)
		}
		if c.KeyringTokenName == "" && c.TokenFilename == "" {
			c.KeyringTokenName = os.Getenv(EnvKexTokenName)
			log.Debug("Set token name to '%s'", c.KeyringTokenName)

			c.TokenFilename = os.Getenv(EnvKexTokenFile)
			log.Debug("Set token file to '%s'", c.TokenFilename)
		}
	}
	if c.Flags.isSet(FlagKeyService) || c.Flags.isSet(FlagPrivateKey) {
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKexKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvKexKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKexKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKexKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
	keyring.Debug = c.Debug
}

// PrivateKey loads a private key from the location specified in c.
//
// The private key is cached after it is first loaded, and subsequent calls will always return the
// same private key.
func (c *Config) PrivateKey() (skey protocol.PrivateKey, err error) {
	if c.skey != nil {
		return c.skey, nil
	}
	if !c.Flags.isSet(FlagPrivateKey) {
		log.Debug("Skipping private key loading because FlagPrivateKey is not set")
		return nil, ErrNoKeySpecified
	}
	if c.KeyFilename == "" && c.KeyringKeyName == "" {
		return nil, ErrNoKeySpecified
	}
	if c.KeyFilename != "" {
		skey, err = protocol.LoadPrivateKey(c.KeyFilename)
	}
	if skey == nil && c.KeyringKeyName != "" {
		skey, err = c.LoadKeyFromKeyring()
	}
	if err != nil {
		return nil, err
	}
	c.skey = skey
	return skey, nil
}

// SavePrivateKey writes skey to the system keyring or file, depending on what options are
// configured. The method prefers the keyring if both options are available.
func (c *Config) SavePrivateKey(skey protocol.PrivateKey) error {
	if c.KeyringKeyName != "" {
		return c.saveKeyToKeyring(skey)
	}
	if c.KeyFilename != "" {
		return protocol.SavePrivateKey(skey, c.KeyFilename)
	}
	return ErrNoKeySpecified
}

// NonceCache returns the nonce cache named by c.CacheFilename, creating an empty one if the file
// does not exist yet. Returns nil if no cache file is configured.
func (c *Config) NonceCache() (*cache.NonceCache, error) {
	if c.nonces != nil || c.CacheFilename == "" || !c.Flags.isSet(FlagNonceCache) {
		return c.nonces, nil
	}
	log.Debug("Loading nonce cache from %s...", c.CacheFilename)
	nonces, err := cache.ImportFromFile(c.CacheFilename)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load nonce cache: %w", err)
		}
		nonces = cache.New(defaultCachePeers, 0)
	}
	c.nonces = nonces
	return nonces, nil
}

// SaveNonceCache writes the nonce cache back to c.CacheFilename. It does nothing if the cache was
// never loaded.
func (c *Config) SaveNonceCache() {
	if c.CacheFilename == "" || c.nonces == nil {
		return
	}
	if err := c.nonces.ExportToFile(c.CacheFilename); err != nil {
		log.Error("Error updating nonce cache: %s", err)
	}
}

// HandshakeOptions returns the authentication options implied by c. Currently this installs the
// nonce cache as a replay filter when one is configured.
func (c *Config) HandshakeOptions() ([]authentication.Option, error) {
	nonces, err := c.NonceCache()
	if err != nil {
		return nil, err
	}
	if nonces == nil {
		return nil, nil
	}
	return []authentication.Option{authentication.WithReplayFilter(nonces)}, nil
}

func (c *Config) chunkSize() int {
	if c.ChunkSize == 0 {
		return connector.DefaultChunkSize
	}
	return c.ChunkSize
}

// Connect opens c.Device. The device "-" uses standard input and output.
func (c *Config) Connect() (connector.Connector, error) {
	if !c.Flags.isSet(FlagTransport) || c.Device == "" {
		return nil, ErrNoDevice
	}
	if c.Device == StdioDevice {
		log.Debug("Using stdio with chunk size %d", c.chunkSize())
		return greentea.Stdio(c.chunkSize()), nil
	}
	log.Debug("Opening %s with chunk size %d", c.Device, c.chunkSize())
	conn, err := greentea.Open(c.Device, c.chunkSize())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Config) loadToken() (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	var err error
	if c.TokenFilename != "" {
		token, err := os.ReadFile(c.TokenFilename)
		if err == nil {
			c.token = strings.TrimSpace(string(token))
			return c.token, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		// If the token file doesn't exist, fall through to trying to load from the system keyring.
	}
	c.token, err = c.LoadTokenFromKeyring()
	return c.token, err
}

// KeyService returns a client for the configured key service. Requests are sent without
// credentials if no token is configured.
func (c *Config) KeyService() (*keyservice.Client, error) {
	if !c.Flags.isSet(FlagKeyService) || c.KeyServiceURL == "" {
		return nil, ErrNoKeyServiceSpecified
	}
	var token string
	if c.KeyringTokenName != "" || c.TokenFilename != "" {
		var err error
		if token, err = c.loadToken(); err != nil {
			return nil, err
		}
	}
	return keyservice.New(c.KeyServiceURL, token), nil
}
