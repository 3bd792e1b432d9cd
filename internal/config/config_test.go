package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v2"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
)

func TestGlobalVerifyMissingFields(t *testing.T) {
	var g Global
	var errs ConfigErrors
	g.Verify(&errs)

	assert.Contains(t, errs, "missing config key global.server_name")
	assert.Contains(t, errs, "missing config key global.key_id")
	assert.Contains(t, errs, "missing config key global.private_key_path")
}

func TestDatabaseOptionsIsPostgres(t *testing.T) {
	assert.True(t, DatabaseOptions{ConnectionString: "postgres://user@host/db"}.IsPostgres())
	assert.True(t, DatabaseOptions{ConnectionString: "postgresql://user@host/db"}.IsPostgres())
	assert.False(t, DatabaseOptions{ConnectionString: "file:roomserver.db"}.IsPostgres())
}

func TestNATSOptionsVerifyRequiresAddressesOrInProcess(t *testing.T) {
	n := NATSOptions{TopicPrefix: "Palpo"}
	var errs ConfigErrors
	n.Verify(&errs)
	assert.Contains(t, errs, "global.nats: either in_process must be true or addresses must be set")

	n.InProcess = true
	errs = nil
	n.Verify(&errs)
	assert.Empty(t, errs)
}

func TestRoomServerYAML(t *testing.T) {
	input := `
database:
  connection_string: "file:roomserver.db"
frame_compaction_depth: 50
transaction_memo_ttl_seconds: 600
`
	var rs RoomServer
	err := yaml.Unmarshal([]byte(input), &rs)
	assert.NoError(t, err)
	assert.Equal(t, 50, rs.FrameCompactionDepth)
	assert.Equal(t, 600, rs.TransactionMemoTTLSeconds)
}

func TestConfigGenerateVerifiesClean(t *testing.T) {
	c := Generate("example.org", true)
	assert.Equal(t, spec.ServerName("example.org"), c.Global.ServerName)
	assert.Empty(t, c.Verify())
}

func TestConfigVerifyRejectsUnknownVersion(t *testing.T) {
	c := Generate("example.org", true)
	c.Version = 99
	errs := c.Verify()
	assert.Contains(t, errs, "unsupported config version 99, expected 2")
}
