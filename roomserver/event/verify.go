package event

import (
	"fmt"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/eventcrypto"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
)

// KeyLookup resolves a (server, key ID) pair to a verify key valid at ts,
// implemented by roomserver/keyring.
type KeyLookup func(server spec.ServerName, keyID spec.KeyID, atTS int64) (*eventcrypto.VerifyKey, error)

// VerifySignatures checks that raw carries a valid signature from its
// sender's server. No other server's signature is checked, in any room
// version. lookup resolves keys via the key store.
func (p *PDU) VerifySignatures(lookup KeyLookup) error {
	sender, err := spec.NewUserID(p.sender)
	if err != nil {
		return fmt.Errorf("event: invalid sender %q: %w", p.sender, err)
	}
	return p.verifyServerSignature(sender.Domain(), lookup)
}

func (p *PDU) verifyServerSignature(server spec.ServerName, lookup KeyLookup) error {
	sigs := p.Signatures()
	serverSigs, ok := sigs[string(server)]
	if !ok || len(serverSigs) == 0 {
		return fmt.Errorf("event: no signature from required server %q", server)
	}
	var lastErr error
	for keyID, sig := range serverSigs {
		key, err := lookup(server, spec.KeyID(keyID), p.originTS)
		if err != nil {
			lastErr = err
			continue
		}
		if err := eventcrypto.Verify(p.RawJSON, sig, key.Public); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("event: no usable signature from %q", server)
	}
	return lastErr
}
