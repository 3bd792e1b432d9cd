// Package keyring implements the key store: fetching, caching and
// validating remote servers' Ed25519 signing keys.
package keyring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"

	"github.com/palpo-matrix-server/palpo-sub005/internal/caching"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/eventcrypto"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
)

// Key store errors.
var (
	ErrUnknownServer = fmt.Errorf("keyring: unknown server")
	ErrUnknownKey    = fmt.Errorf("keyring: unknown key")
	ErrNotaryRefused = fmt.Errorf("keyring: notary refused to vouch for key")
	ErrKeyExpired    = fmt.Errorf("keyring: key expired")
)

// Fetcher retrieves signing keys over the federation. Implementations live
// in federationapi; the keyring only depends on this narrow
// contract so it can be unit tested without any network.
type Fetcher interface {
	// FetchServerKeys calls GET /_matrix/key/v2/server on server directly.
	FetchServerKeys(ctx context.Context, server spec.ServerName) (map[spec.KeyID]eventcrypto.VerifyKey, error)
	// FetchNotaryKeys calls POST /_matrix/key/v2/query on the configured
	// notary server, asking it to vouch for server's keys.
	FetchNotaryKeys(ctx context.Context, server spec.ServerName, keyIDs []spec.KeyID) (map[spec.KeyID]eventcrypto.VerifyKey, error)
}

// cacheEntry holds a cached key; its expiry is the key's own ValidUntilTS.
// An expired key must still be usable to verify old events whose
// origin_server_ts predates the key's stated expiry, so expiry alone must
// never evict an entry.
type cacheEntry struct {
	key eventcrypto.VerifyKey
}

// KeyRing is the key store. It is safe for concurrent use: the key cache
// is a concurrent map with lock-free/read-locked reads and
// short-write-locked inserts.
type KeyRing struct {
	fetcher    Fetcher
	useNotary  bool
	notaryName spec.ServerName

	mu    sync.RWMutex
	cache map[spec.ServerName]map[spec.KeyID]cacheEntry

	fetchSingle *caching.SingleFlightGroup
}

// New constructs a KeyRing. notaryName may be empty to disable notary
// lookups.
func New(fetcher Fetcher, notaryName spec.ServerName) *KeyRing {
	return &KeyRing{
		fetcher:     fetcher,
		useNotary:   notaryName != "",
		notaryName:  notaryName,
		cache:       map[spec.ServerName]map[spec.KeyID]cacheEntry{},
		fetchSingle: caching.NewSingleFlightGroup(),
	}
}

// KeyFor resolves (server, keyID) to a verify key valid at atTS. On a
// cache miss it fetches from the origin server directly, then (if
// configured and direct fetch failed) from the notary.
func (k *KeyRing) KeyFor(ctx context.Context, server spec.ServerName, keyID spec.KeyID, atTS int64) (*eventcrypto.VerifyKey, error) {
	if entry, ok := k.lookupCache(server, keyID); ok {
		if k.isUsable(entry.key, atTS) {
			return &entry.key, nil
		}
	}

	// Deduplicate concurrent fetches for the same server so a burst of
	// events from one peer causes exactly one key fetch server-wide.
	dedupKey := string(server)
	v, err, _ := k.fetchSingle.Do(dedupKey, func() (interface{}, error) {
		return k.fetchAndCache(ctx, server)
	})
	if err != nil {
		return nil, err
	}
	keys := v.(map[spec.KeyID]eventcrypto.VerifyKey)
	key, ok := keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownKey, server, keyID)
	}
	if !k.isUsable(key, atTS) {
		return nil, fmt.Errorf("%w: %s/%s", ErrKeyExpired, server, keyID)
	}
	return &key, nil
}

func (k *KeyRing) isUsable(key eventcrypto.VerifyKey, atTS int64) bool {
	if key.ValidUntilTS == 0 {
		return true
	}
	now := time.Now().UnixMilli()
	if now <= key.ValidUntilTS {
		return true
	}
	// Expired for "now", but still usable for verifying an event whose
	// origin_server_ts falls within the original validity window.
	return atTS > 0 && atTS <= key.ValidUntilTS
}

func (k *KeyRing) lookupCache(server spec.ServerName, keyID spec.KeyID) (cacheEntry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	byKey, ok := k.cache[server]
	if !ok {
		return cacheEntry{}, false
	}
	e, ok := byKey[keyID]
	return e, ok
}

func (k *KeyRing) fetchAndCache(ctx context.Context, server spec.ServerName) (map[spec.KeyID]eventcrypto.VerifyKey, error) {
	keys, err := k.fetcher.FetchServerKeys(ctx, server)
	if err != nil || len(keys) == 0 {
		if !k.useNotary {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnknownServer, server, err)
		}
		keys, err = k.fetcher.FetchNotaryKeys(ctx, server, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotaryRefused, server, err)
		}
	}
	k.store(server, keys)
	logrus.WithFields(logrus.Fields{"server": server, "key_count": len(keys)}).Debug("keyring: cached server keys")
	return keys, nil
}

func (k *KeyRing) store(server spec.ServerName, keys map[spec.KeyID]eventcrypto.VerifyKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	byKey, ok := k.cache[server]
	if !ok {
		byKey = map[spec.KeyID]cacheEntry{}
		k.cache[server] = byKey
	}
	for id, key := range keys {
		byKey[id] = cacheEntry{key: key}
	}
}

// VerifySelfSigned checks that a /_matrix/key/v2/server response for
// server is signed by one of the keys it itself advertises — required
// before trusting any key inside it.
func VerifySelfSigned(raw []byte, keys map[spec.KeyID]eventcrypto.VerifyKey, sigs map[string]string) error {
	for keyID, sig := range sigs {
		key, ok := keys[spec.KeyID(keyID)]
		if !ok {
			continue
		}
		if err := eventcrypto.Verify(raw, sig, key.Public); err == nil {
			return nil
		}
	}
	return fmt.Errorf("keyring: no self-signature from an advertised key could be verified")
}

// VerifyNotarySignature checks that a notary's /_matrix/key/v2/query reply
// is itself signed by the notary's own key.
func VerifyNotarySignature(raw []byte, sig string, notaryKey ed25519.PublicKey) error {
	return eventcrypto.Verify(raw, sig, notaryKey)
}
