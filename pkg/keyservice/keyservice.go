// Package keyservice registers public keys with a key service, which lets peers look up the key a
// device announced instead of trusting whichever key it presents during its first handshake.
//
// Keys are announced with self-signed KeyInfo tokens (see authentication.SignKeyInfo). The service
// is not trusted to vouch for keys: tokens fetched with [Client.Lookup] are verified locally.
package keyservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/teslamotors/keyexchange/internal/authentication"
	"github.com/teslamotors/keyexchange/internal/log"
	"github.com/teslamotors/keyexchange/pkg/protocol"
)

const (
	// Endpoint is the path of the public key collection.
	Endpoint = "api/keyService/v1/pubkey"
	// MaxResponseLength caps the byte-length of responses read from the service.
	MaxResponseLength = 100000
	// DefaultUserAgent is sent with every request unless Client.UserAgent is changed.
	DefaultUserAgent = "kex/1.0"
)

var (
	ErrAlreadyRegistered = errors.New("key service already has a different key for this device")
	ErrNotFound          = errors.New("key service has no key for this device")
	ErrKeyMismatch       = errors.New("key service returned key info for a different device")
)

func readWithContext(ctx context.Context, r io.Reader, p []byte) ([]byte, error) {
	bytesRead := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := r.Read(p[bytesRead:])
		bytesRead += n
		if err == io.EOF {
			return p[:bytesRead], nil
		}
		if err != nil {
			return p[:bytesRead], err
		}
		if bytesRead == len(p) {
			return p[:bytesRead], nil
		}
	}
}

type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return e.Message
}

func (e *HttpError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable ||
		e.Code == http.StatusGatewayTimeout ||
		e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests
}

// keyInfoMessage is the request and response body used by the service.
type keyInfoMessage struct {
	KeyInfo string `json:"keyInfo"`
}

// Client talks to a key service over HTTPS.
type Client struct {
	UserAgent  string
	client     http.Client
	baseURL    string
	authHeader string
}

// New creates a Client for the service at baseURL (for example, "https://keys.example.com"). If
// token is not empty, requests carry it as a bearer token.
func New(baseURL, token string) *Client {
	c := Client{
		UserAgent: DefaultUserAgent,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}
	if token != "" {
		c.authHeader = "Bearer " + strings.TrimSpace(token)
	}
	return &c
}

func (c *Client) do(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		log.Debug("Sending request to %s: %s", endpoint, encoded)
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+endpoint, reader)
	if err != nil {
		return nil, &protocol.TransportError{Err: err, PossibleTemporary: false}
	}
	request.Header.Set("User-Agent", c.UserAgent)
	request.Header.Set("Content-type", "application/json")
	request.Header.Set("Accept", "application/json")
	if c.authHeader != "" {
		request.Header.Set("Authorization", c.authHeader)
	}

	result, err := c.client.Do(request)
	if err != nil {
		return nil, &protocol.TransportError{Err: err, PossibleTemporary: true}
	}
	defer result.Body.Close()

	buffer := make([]byte, MaxResponseLength+1)
	buffer, err = readWithContext(ctx, result.Body, buffer)
	if err != nil {
		return nil, &protocol.TransportError{Err: err, PossibleTemporary: true}
	}
	if len(buffer) == MaxResponseLength+1 {
		return nil, protocol.NewError("response exceeds maximum length", false)
	}
	log.Debug("Server returned %d: %s: %s", result.StatusCode, http.StatusText(result.StatusCode), buffer)

	switch result.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return buffer, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusConflict:
		return nil, ErrAlreadyRegistered
	}
	return nil, &HttpError{Code: result.StatusCode, Message: string(buffer)}
}

// Register uploads a KeyInfo token produced by authentication.SignKeyInfo. The token is verified
// before it is sent.
func (c *Client) Register(ctx context.Context, token string) error {
	info, err := authentication.VerifyKeyInfo(token)
	if err != nil {
		return err
	}
	if _, err = c.do(ctx, http.MethodPost, Endpoint, &keyInfoMessage{KeyInfo: token}); err != nil {
		return err
	}
	log.Info("Registered key %s for %s", info.PublicKeyID, info.HardwareDeviceID)
	return nil
}

// Lookup fetches and verifies the key registered for hwDeviceID.
func (c *Client) Lookup(ctx context.Context, hwDeviceID string) (*authentication.KeyInfo, error) {
	body, err := c.do(ctx, http.MethodGet, Endpoint+"/"+url.PathEscape(hwDeviceID), nil)
	if err != nil {
		return nil, err
	}
	var reply keyInfoMessage
	if err = json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("invalid key service response: %w", err)
	}
	info, err := authentication.VerifyKeyInfo(reply.KeyInfo)
	if err != nil {
		return nil, err
	}
	if info.HardwareDeviceID != hwDeviceID {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrKeyMismatch, hwDeviceID, info.HardwareDeviceID)
	}
	return info, nil
}

// LookupPublicKey is Lookup followed by decoding the public key.
func (c *Client) LookupPublicKey(ctx context.Context, hwDeviceID string) (protocol.PublicKey, error) {
	var pkey protocol.PublicKey
	info, err := c.Lookup(ctx, hwDeviceID)
	if err != nil {
		return pkey, err
	}
	publicKey, err := info.PublicKeyBytes()
	if err != nil {
		return pkey, err
	}
	copy(pkey[:], publicKey)
	return pkey, nil
}
