package config

// RoomServer holds the settings specific to the room-state engine itself:
// storage, and the tunables left as server policy rather than protocol
// (frame compaction depth, transaction memo TTL).
type RoomServer struct {
	Matrix *Global `yaml:"-"`

	Database DatabaseOptions `yaml:"database,omitempty"`

	// FrameCompactionDepth overrides frame.DefaultCompactionDepth; 0 means
	// use the built-in default. Operators running very deep, bursty rooms
	// (e.g. bridges) may want a shallower threshold to trade more frequent
	// compaction for cheaper materialization.
	FrameCompactionDepth int `yaml:"frame_compaction_depth"`

	// TransactionMemoTTLSeconds is parsed, defaulted and verified here, but
	// internal/txnmemo does not read it: the memo's in-memory layer always
	// uses txnmemo.DefaultTTL.
	TransactionMemoTTLSeconds int `yaml:"transaction_memo_ttl_seconds"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	if c.TransactionMemoTTLSeconds == 0 {
		c.TransactionMemoTTLSeconds = 5 * 60
	}
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:roomserver.db"
	}
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	if c.Matrix.Database.ConnectionString == "" {
		checkNotEmpty(configErrs, "room_server.database.connection_string", c.Database.ConnectionString)
	}
	if c.FrameCompactionDepth < 0 {
		configErrs.Add("room_server.frame_compaction_depth must not be negative")
	}
	checkPositive(configErrs, "room_server.transaction_memo_ttl_seconds", int64(c.TransactionMemoTTLSeconds))
}
