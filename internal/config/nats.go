package config

// NATSOptions configures the change-notification publisher in
// internal/notify. InProcess runs an embedded nats-server (as dendrite's
// jetstream.NATSInstance does) for single-process deployments; otherwise
// Addresses must name an external broker. Verify rejects a config with
// neither set.
type NATSOptions struct {
	// InProcess runs an embedded nats-server instead of dialing Addresses.
	InProcess bool `yaml:"in_process"`

	// Addresses of an external NATS cluster to dial when InProcess is false.
	Addresses []string `yaml:"addresses"`

	// StoragePath is where the embedded server (when InProcess) persists
	// its JetStream streams across restarts.
	StoragePath Path `yaml:"storage_path"`

	// TopicPrefix namespaces the JetStream subjects this component
	// publishes/consumes under, so multiple palpo deployments can share
	// one NATS cluster without subject collisions.
	TopicPrefix string `yaml:"topic_prefix"`
}

func (n *NATSOptions) Defaults(opts DefaultOpts) {
	if n.TopicPrefix == "" {
		n.TopicPrefix = "Palpo"
	}
	if opts.Generate {
		n.InProcess = true
		n.StoragePath = "./natsdata"
	}
}

func (n *NATSOptions) Verify(configErrs *ConfigErrors) {
	if !n.InProcess && len(n.Addresses) == 0 {
		configErrs.Add("global.nats: either in_process must be true or addresses must be set")
	}
	checkNotEmpty(configErrs, "global.nats.topic_prefix", n.TopicPrefix)
}
