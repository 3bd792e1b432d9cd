package event

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/eventcrypto"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

// ErrMalformedCanonicalJSON is returned when an event's JSON cannot be
// canonicalized. This is a hard rejection: the engine never falls back to
// a partial hash that would not round-trip.
type ErrMalformedCanonicalJSON struct {
	Reason string
}

func (e *ErrMalformedCanonicalJSON) Error() string {
	return fmt.Sprintf("event: malformed canonical JSON: %s", e.Reason)
}

// DeriveEventID computes the event ID for raw under the given room version
// rules:
//   - v1/v2: the server-supplied "$localpart:servername" ID is trusted as-is.
//   - v3: "$" + URL-safe unpadded base64 of the full reference hash, derived
//     exactly as for v4+.
//   - v4+: "$" + URL-safe unpadded base64 of the reference hash.
func DeriveEventID(raw []byte, rules version.Rules) (spec.EventID, error) {
	switch rules.EventIDFormat {
	case version.EventIDFormatServerSupplied:
		id := gjson.GetBytes(raw, "event_id").String()
		if id == "" {
			return "", &ErrMalformedCanonicalJSON{Reason: "v1/v2 event missing server-supplied event_id"}
		}
		return spec.EventID(id), nil
	case version.EventIDFormatHashShort, version.EventIDFormatHashLong:
		redacted, err := Redact(raw, rules)
		if err != nil {
			return "", &ErrMalformedCanonicalJSON{Reason: err.Error()}
		}
		hash, err := eventcrypto.ReferenceHash(redacted)
		if err != nil {
			return "", &ErrMalformedCanonicalJSON{Reason: err.Error()}
		}
		return spec.EventID("$" + base64.RawURLEncoding.EncodeToString(hash)), nil
	default:
		return "", &ErrMalformedCanonicalJSON{Reason: "unknown event ID format"}
	}
}

// ReferenceHash computes the reference hash of the redacted form of raw:
// SHA-256 of canonical JSON of the redacted event with signatures and
// unsigned removed. Redaction idempotence guarantees this is the same
// whether raw is already redacted or not.
func ReferenceHash(raw []byte, rules version.Rules) ([]byte, error) {
	redacted, err := Redact(raw, rules)
	if err != nil {
		return nil, err
	}
	return eventcrypto.ReferenceHash(redacted)
}

// Sign signs raw's redacted canonical form with priv under keyID for
// serverName, returning raw with a "signatures" entry added. The existing
// "signatures" object (if any) is preserved and merged into.
func Sign(raw []byte, serverName spec.ServerName, keyID spec.KeyID, priv ed25519.PrivateKey) ([]byte, error) {
	sig, err := eventcrypto.Sign(raw, priv)
	if err != nil {
		return nil, err
	}
	return setSignature(raw, string(serverName), string(keyID), sig)
}

func setSignature(raw []byte, server, keyID, sig string) ([]byte, error) {
	path := fmt.Sprintf("signatures.%s.%s", jsonPathEscape(server), jsonPathEscape(keyID))
	return sjson.SetBytes(raw, path, sig)
}

// jsonPathEscape escapes sjson path metacharacters ('.', '*', '?') that can
// legitimately appear in a server name or key ID.
func jsonPathEscape(s string) string {
	out := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '*' || c == '?' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

// randomLocalpart generates the 18-character localpart legacy v1/v2 event
// IDs expect for locally-originated events.
func randomLocalpart() (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

// NewLocalEventID mints a v1/v2-style server-supplied event ID for this
// server. Only used by the client-submission builder when constructing an
// event for a legacy room version.
func NewLocalEventID(serverName spec.ServerName) (spec.EventID, error) {
	local, err := randomLocalpart()
	if err != nil {
		return "", err
	}
	return spec.EventID(fmt.Sprintf("$%s:%s", local, serverName)), nil
}
