package config

import "strings"

// DatabaseOptions chooses between the sqlite3 and postgres backends in
// roomserver/storage, following the single `connection_string` idiom the
// teacher uses rather than separate host/port/user fields: both drivers
// accept a single DSN string.
type DatabaseOptions struct {
	ConnectionString       string `yaml:"connection_string"`
	MaxOpenConnections     int    `yaml:"max_open_conns"`
	MaxIdleConnections     int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

func (d *DatabaseOptions) Defaults(opts DefaultOpts, defaultSQLiteFile string) {
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 10
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 2
	}
	if opts.Generate && d.ConnectionString == "" {
		d.ConnectionString = "file:" + defaultSQLiteFile
	}
}

func (d *DatabaseOptions) Verify(configErrs *ConfigErrors, key string) {
	checkNotEmpty(configErrs, key+".connection_string", d.ConnectionString)
	checkPositive(configErrs, key+".max_open_conns", int64(d.MaxOpenConnections))
}

// IsPostgres reports whether ConnectionString names a postgres DSN
// (postgres:// or postgresql://) as opposed to the sqlite3 `file:` form.
func (d DatabaseOptions) IsPostgres() bool {
	return strings.HasPrefix(d.ConnectionString, "postgres://") ||
		strings.HasPrefix(d.ConnectionString, "postgresql://")
}
