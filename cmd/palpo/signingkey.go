package main

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ed25519"

	"github.com/palpo-matrix-server/palpo-sub005/internal/config"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
)

// loadSigningKey reads the `ed25519 <key_id> <base64 seed>` format
// Global.PrivateKeyPath documents, as produced by a `generate-keys`-style
// tool. Blank and "#" comment lines are skipped; the first line whose key
// ID matches keyID (the configured global.key_id) is used, and a malformed
// line before it is an error.
func loadSigningKey(path config.Path, keyID spec.KeyID) (ed25519.PrivateKey, error) {
	f, err := os.Open(string(path))
	if err != nil {
		return nil, fmt.Errorf("signing key: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "ed25519" {
			return nil, fmt.Errorf("signing key: %s: malformed line %q, want \"ed25519 <key_id> <base64 seed>\"", path, line)
		}
		if spec.KeyID("ed25519:"+fields[1]) != keyID {
			continue
		}
		seed, err := base64.RawStdEncoding.DecodeString(fields[2])
		if err != nil {
			return nil, fmt.Errorf("signing key: %s: decoding seed: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key: %s: seed is %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("signing key: reading %s: %w", path, err)
	}
	return nil, fmt.Errorf("signing key: %s: no key matching %s found", path, keyID)
}
