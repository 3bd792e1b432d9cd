package keyring

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/eventcrypto"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
)

type stubFetcher struct {
	direct      map[spec.ServerName]map[spec.KeyID]eventcrypto.VerifyKey
	directErr   error
	notary      map[spec.ServerName]map[spec.KeyID]eventcrypto.VerifyKey
	notaryErr   error
	directCalls int
	notaryCalls int
}

func (s *stubFetcher) FetchServerKeys(ctx context.Context, server spec.ServerName) (map[spec.KeyID]eventcrypto.VerifyKey, error) {
	s.directCalls++
	if s.directErr != nil {
		return nil, s.directErr
	}
	return s.direct[server], nil
}

func (s *stubFetcher) FetchNotaryKeys(ctx context.Context, server spec.ServerName, keyIDs []spec.KeyID) (map[spec.KeyID]eventcrypto.VerifyKey, error) {
	s.notaryCalls++
	if s.notaryErr != nil {
		return nil, s.notaryErr
	}
	return s.notary[server], nil
}

func TestKeyForFetchesAndCaches(t *testing.T) {
	pub, _, err := eventcrypto.GenerateKeyPair()
	require.NoError(t, err)

	fetcher := &stubFetcher{
		direct: map[spec.ServerName]map[spec.KeyID]eventcrypto.VerifyKey{
			"origin.example": {"ed25519:1": {Public: pub}},
		},
	}
	k := New(fetcher, "")

	key, err := k.KeyFor(context.Background(), "origin.example", "ed25519:1", 0)
	require.NoError(t, err)
	assert.Equal(t, pub, key.Public)
	assert.Equal(t, 1, fetcher.directCalls)

	// Second lookup hits the cache, not the fetcher.
	_, err = k.KeyFor(context.Background(), "origin.example", "ed25519:1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.directCalls)
}

func TestKeyForUnknownKeyID(t *testing.T) {
	pub, _, err := eventcrypto.GenerateKeyPair()
	require.NoError(t, err)
	fetcher := &stubFetcher{
		direct: map[spec.ServerName]map[spec.KeyID]eventcrypto.VerifyKey{
			"origin.example": {"ed25519:1": {Public: pub}},
		},
	}
	k := New(fetcher, "")

	_, err = k.KeyFor(context.Background(), "origin.example", "ed25519:unknown", 0)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestKeyForFallsBackToNotaryOnDirectFailure(t *testing.T) {
	pub, _, err := eventcrypto.GenerateKeyPair()
	require.NoError(t, err)
	fetcher := &stubFetcher{
		directErr: fmt.Errorf("connection refused"),
		notary: map[spec.ServerName]map[spec.KeyID]eventcrypto.VerifyKey{
			"origin.example": {"ed25519:1": {Public: pub}},
		},
	}
	k := New(fetcher, "notary.example")

	key, err := k.KeyFor(context.Background(), "origin.example", "ed25519:1", 0)
	require.NoError(t, err)
	assert.Equal(t, pub, key.Public)
	assert.Equal(t, 1, fetcher.notaryCalls)
}

func TestKeyForNoNotaryConfiguredPropagatesDirectFailure(t *testing.T) {
	fetcher := &stubFetcher{directErr: fmt.Errorf("connection refused")}
	k := New(fetcher, "")

	_, err := k.KeyFor(context.Background(), "origin.example", "ed25519:1", 0)
	assert.ErrorIs(t, err, ErrUnknownServer)
	assert.Equal(t, 0, fetcher.notaryCalls)
}

func TestKeyForExpiredKeyStillUsableForPastTimestamp(t *testing.T) {
	pub, _, err := eventcrypto.GenerateKeyPair()
	require.NoError(t, err)
	validUntil := time.Now().Add(-time.Hour).UnixMilli()
	fetcher := &stubFetcher{
		direct: map[spec.ServerName]map[spec.KeyID]eventcrypto.VerifyKey{
			"origin.example": {"ed25519:1": {Public: pub, ValidUntilTS: validUntil}},
		},
	}
	k := New(fetcher, "")

	// An event timestamped before the key expired must still verify...
	key, err := k.KeyFor(context.Background(), "origin.example", "ed25519:1", validUntil-1000)
	require.NoError(t, err)
	assert.Equal(t, pub, key.Public)
}

func TestKeyForExpiredKeyRejectedForCurrentTimestamp(t *testing.T) {
	pub, _, err := eventcrypto.GenerateKeyPair()
	require.NoError(t, err)
	validUntil := time.Now().Add(-time.Hour).UnixMilli()
	fetcher := &stubFetcher{
		direct: map[spec.ServerName]map[spec.KeyID]eventcrypto.VerifyKey{
			"origin.example": {"ed25519:1": {Public: pub, ValidUntilTS: validUntil}},
		},
	}
	k := New(fetcher, "")

	// atTS=0 means "now": the key expired an hour ago, and the cache is
	// cold, so the direct fetch returns the expired key and the lookup
	// must fail.
	_, err = k.KeyFor(context.Background(), "origin.example", "ed25519:1", 0)
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestVerifySelfSigned(t *testing.T) {
	pub, priv, err := eventcrypto.GenerateKeyPair()
	require.NoError(t, err)
	raw := []byte(`{"server_name":"origin.example"}`)
	sig, err := eventcrypto.Sign(raw, priv)
	require.NoError(t, err)

	keys := map[spec.KeyID]eventcrypto.VerifyKey{"ed25519:1": {Public: pub}}
	err = VerifySelfSigned(raw, keys, map[string]string{"ed25519:1": sig})
	assert.NoError(t, err)

	err = VerifySelfSigned(raw, keys, map[string]string{"ed25519:1": "not-a-real-signature"})
	assert.Error(t, err)
}

func TestVerifyNotarySignature(t *testing.T) {
	pub, priv, err := eventcrypto.GenerateKeyPair()
	require.NoError(t, err)
	raw := []byte(`{"server_keys":[]}`)
	sig, err := eventcrypto.Sign(raw, priv)
	require.NoError(t, err)

	assert.NoError(t, VerifyNotarySignature(raw, sig, pub))

	otherPub, _, err := eventcrypto.GenerateKeyPair()
	require.NoError(t, err)
	assert.Error(t, VerifyNotarySignature(raw, sig, otherPub))
}
