package cache

import (
	"encoding/json"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/teslamotors/keyexchange/pkg/protocol"
)

// DefaultMaxNonces is the per-peer history used when New is passed a non-positive maxNonces.
const DefaultMaxNonces = 256

// PeerEntry holds the nonces recently used by one peer, oldest first.
type PeerEntry struct {
	Nonces   []string  `json:"nonces"`
	LastUsed time.Time `json:"last_used"`
}

type NonceCache struct {
	MaxPeers  int                   `json:"max_peers"`
	MaxNonces int                   `json:"max_nonces"`
	Peers     map[string]*PeerEntry `json:"peers"`
	lock      sync.Mutex
}

// New returns a NonceCache that remembers up to maxNonces nonces for each of up to maxPeers
// peers. The NonceCache uses a least-recently-used (LRU) eviction strategy for peers and drops the
// oldest nonce once a peer's history is full.
//
// Set maxPeers to zero for an unbounded number of peers.
func New(maxPeers, maxNonces int) *NonceCache {
	if maxNonces <= 0 {
		maxNonces = DefaultMaxNonces
	}
	return &NonceCache{
		MaxPeers:  maxPeers,
		MaxNonces: maxNonces,
		Peers:     make(map[string]*PeerEntry),
	}
}

// Import a NonceCache using data in r.
// The data should previously have been generated using [NonceCache.Export].
func Import(r io.Reader) (*NonceCache, error) {
	var cache NonceCache
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&cache); err != nil {
		return nil, err
	}
	if cache.Peers == nil {
		cache.Peers = make(map[string]*PeerEntry)
	}
	if cache.MaxNonces <= 0 {
		cache.MaxNonces = DefaultMaxNonces
	}
	return &cache, nil
}

// ImportFromFile reads a NonceCache from disk.
func ImportFromFile(filename string) (*NonceCache, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Import(file)
}

// Export writes a serialized NonceCache to w.
func (c *NonceCache) Export(w io.Writer) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return json.NewEncoder(w).Encode(c)
}

// ExportToFile writes a NonceCache to disk.
func (c *NonceCache) ExportToFile(filename string) error {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	return c.Export(file)
}

// Observe implements authentication.ReplayFilter. It returns false if the pair was seen before and
// otherwise records it.
func (c *NonceCache) Observe(publicKey protocol.PublicKey, nonce protocol.Nonce) bool {
	return c.ObserveAt(publicKey, nonce, time.Now())
}

// ObserveAt is Observe with an explicit timestamp, which determines eviction order.
func (c *NonceCache) ObserveAt(publicKey protocol.PublicKey, nonce protocol.Nonce, now time.Time) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	peer := publicKey.String()
	encoded := nonce.String()
	entry, ok := c.Peers[peer]
	if !ok {
		entry = &PeerEntry{}
		c.Peers[peer] = entry
	} else if slices.Contains(entry.Nonces, encoded) {
		return false
	}
	entry.Nonces = append(entry.Nonces, encoded)
	if len(entry.Nonces) > c.MaxNonces {
		entry.Nonces = slices.Delete(entry.Nonces, 0, len(entry.Nonces)-c.MaxNonces)
	}
	entry.LastUsed = now
	c.evict(peer)
	return true
}

// evict removes the least recently used peer other than keep if there are too many peers.
func (c *NonceCache) evict(keep string) {
	if c.MaxPeers <= 0 || len(c.Peers) <= c.MaxPeers {
		return
	}
	oldestPeer := ""
	var oldest time.Time
	for peer, entry := range c.Peers {
		if peer == keep {
			continue
		}
		if oldestPeer == "" || entry.LastUsed.Before(oldest) {
			oldestPeer = peer
			oldest = entry.LastUsed
		}
	}
	delete(c.Peers, oldestPeer)
}

// Seen returns true if the pair is in the cache.
func (c *NonceCache) Seen(publicKey protocol.PublicKey, nonce protocol.Nonce) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.Peers[publicKey.String()]
	return ok && slices.Contains(entry.Nonces, nonce.String())
}

// Forget removes all nonces recorded for publicKey.
func (c *NonceCache) Forget(publicKey protocol.PublicKey) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.Peers, publicKey.String())
}

// Len returns the number of peers in the cache.
func (c *NonceCache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.Peers)
}
