// Package eventcrypto provides the Ed25519 signing/verification and
// SHA-256 reference-hash primitives that the event model (roomserver/event)
// and key store (roomserver/keyring) build on.
package eventcrypto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/canonicaljson"
)

// VerifyKey is a server's Ed25519 public signing key together with its
// validity window.
type VerifyKey struct {
	Public       ed25519.PublicKey
	ValidUntilTS int64 // 0 means "no stated expiry"
}

// ReferenceHash computes the SHA-256 digest of the canonical JSON of raw
// with "signatures", "unsigned" and "age_ts" removed.
func ReferenceHash(raw []byte) ([]byte, error) {
	stripped, err := stripUnhashedFields(raw)
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: strip fields: %w", err)
	}
	canon, err := canonicaljson.Canonicalize(stripped)
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

func stripUnhashedFields(raw []byte) ([]byte, error) {
	var err error
	raw, err = sjson.DeleteBytes(raw, "signatures")
	if err != nil {
		return nil, err
	}
	raw, err = sjson.DeleteBytes(raw, "unsigned")
	if err != nil {
		return nil, err
	}
	raw, err = sjson.DeleteBytes(raw, "age_ts")
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Sign signs the canonical JSON of raw (minus signatures/unsigned) with the
// given key and returns the signature bytes as unpadded standard-alphabet
// base64, the encoding Matrix uses for signatures.
func Sign(raw []byte, priv ed25519.PrivateKey) (string, error) {
	stripped, err := stripUnhashedFields(raw)
	if err != nil {
		return "", err
	}
	canon, err := canonicaljson.Canonicalize(stripped)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, canon)
	return base64.RawStdEncoding.EncodeToString(sig), nil
}

// Verify checks that sigB64 is a valid Ed25519 signature over the canonical
// JSON of raw (minus signatures/unsigned) under key.
func Verify(raw []byte, sigB64 string, key ed25519.PublicKey) error {
	stripped, err := stripUnhashedFields(raw)
	if err != nil {
		return err
	}
	canon, err := canonicaljson.Canonicalize(stripped)
	if err != nil {
		return err
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		// Some servers emit padded base64; tolerate it rather than
		// rejecting an otherwise-valid signature outright.
		sig, err = base64.StdEncoding.DecodeString(sigB64)
		if err != nil {
			return fmt.Errorf("eventcrypto: malformed signature encoding: %w", err)
		}
	}
	if !ed25519.Verify(key, canon, sig) {
		logrus.WithField("key_len", len(key)).Debug("eventcrypto: signature verification failed")
		return fmt.Errorf("eventcrypto: signature verification failed")
	}
	return nil
}

// GenerateKeyPair produces a new random Ed25519 key pair, used for locally
// signing this server's own outbound events and requests.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}
