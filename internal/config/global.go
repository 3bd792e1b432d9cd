package config

import (
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
)

// DefaultOpts tunes how Defaults() behaves: Generate fills in values only
// sensible for a freshly scaffolded config
// (e.g. a default sqlite3 file path), while a config loaded for a real
// deployment should fail Verify() instead of silently picking one.
type DefaultOpts struct {
	Generate       bool
	SingleDatabase bool
}

// Global holds the settings every component needs: who this server is, and
// how to reach its own signing key and the shared database/cache/notify
// infrastructure.
type Global struct {
	// ServerName is this homeserver's name, used as the origin in every PDU
	// this server creates and as the domain it answers federation requests
	// for.
	ServerName spec.ServerName `yaml:"server_name"`

	// KeyID is the key ID of the active signing key below.
	KeyID spec.KeyID `yaml:"key_id"`

	// PrivateKeyPath is a path to a file holding an unencrypted Matrix
	// signing key in the `ed25519 <key_id> <base64 key>` format produced by
	// `generate-keys`. Read at startup; never logged.
	PrivateKeyPath Path `yaml:"private_key_path"`

	Database DatabaseOptions `yaml:"database"`
	Cache    CacheOptions    `yaml:"cache"`
	NATS     NATSOptions     `yaml:"nats"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	c.Cache.Defaults(opts)
	c.NATS.Defaults(opts)
	if opts.Generate {
		c.ServerName = "localhost"
		c.KeyID = "ed25519:auto"
		c.PrivateKeyPath = "matrix_key.pem"
		c.Database.Defaults(opts, "roomserver.db")
	}
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", string(c.ServerName))
	checkNotEmpty(configErrs, "global.key_id", string(c.KeyID))
	checkNotEmpty(configErrs, "global.private_key_path", string(c.PrivateKeyPath))
	c.Database.Verify(configErrs, "global.database")
	c.Cache.Verify(configErrs)
	c.NATS.Verify(configErrs)
}

// Path is a filesystem path, its own type so it can't be accidentally
// compared against or assigned from an unrelated string field.
type Path string

// ServerNameOrDefault returns name as a spec.ServerName, or "localhost" if
// name is empty.
func ServerNameOrDefault(name string) spec.ServerName {
	if name == "" {
		return "localhost"
	}
	return spec.ServerName(name)
}
