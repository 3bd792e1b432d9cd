// Package notify implements the change-notification bus: once the
// ingestion pipeline commits an event, out-of-scope collaborators (sync,
// push) learn about it by subscribing to a per-component JetStream subject
// (github.com/nats-io/nats.go, embedded via
// github.com/nats-io/nats-server/v2 for single-process deployments).
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/palpo-matrix-server/palpo-sub005/internal/config"
)

// Header names set on every published message, read back by subscribers
// instead of unmarshalling the body just to route or filter.
const (
	HeaderRoomID  = "room_id"
	HeaderEventID = "event_id"
	HeaderSeqNum  = "seq_num"
)

// OutputRoomEvent is published to SubjectOutputRoomEvent once an event has
// been durably committed (accepted or soft-failed; rejected events are
// never published).
type OutputRoomEvent struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
	SeqNum  int64  `json:"seq_num"`
	// SoftFailed marks that the event was accepted into the DAG but
	// excluded from the current state; it is still added to the room's
	// forward extremities.
	SoftFailed bool `json:"soft_failed"`
}

// SubjectOutputRoomEvent is suffixed onto the configured topic prefix, so
// multiple deployments sharing one NATS cluster don't collide.
func SubjectOutputRoomEvent(prefix string) string {
	return prefix + ".OutputRoomEvent"
}

// Bus owns the connection to NATS (embedded or external) and the
// JetStream context every publisher/consumer in this component shares.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	embed  *server.Server
	prefix string
}

// Open connects to NATS per opts: an in-process embedded server for
// single-node deployments, or a dial to an external cluster otherwise.
func Open(opts config.NATSOptions) (*Bus, error) {
	bus := &Bus{prefix: opts.TopicPrefix}

	var url string
	if opts.InProcess {
		srv, err := startEmbedded(opts)
		if err != nil {
			return nil, fmt.Errorf("notify: starting embedded NATS server: %w", err)
		}
		bus.embed = srv
		url = srv.ClientURL()
	} else {
		if len(opts.Addresses) == 0 {
			return nil, fmt.Errorf("notify: no NATS addresses configured and in_process is false")
		}
		url = opts.Addresses[0]
		for _, addr := range opts.Addresses[1:] {
			url += "," + addr
		}
	}

	conn, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("notify: connecting to NATS at %s: %w", url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: acquiring JetStream context: %w", err)
	}

	stream := opts.TopicPrefix
	if _, err := js.StreamInfo(stream); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{stream + ".>"},
			Storage:  nats.FileStorage,
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("notify: creating stream %s: %w", stream, err)
		}
	}

	bus.conn = conn
	bus.js = js
	return bus, nil
}

func startEmbedded(opts config.NATSOptions) (*server.Server, error) {
	natsOpts := &server.Options{
		JetStream: true,
		StoreDir:  string(opts.StoragePath),
		Port:      server.RANDOM_PORT,
	}
	srv, err := server.NewServer(natsOpts)
	if err != nil {
		return nil, err
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("notify: embedded NATS server did not become ready in time")
	}
	return srv, nil
}

// Close drains the connection and, if this Bus started an embedded server,
// shuts it down too.
func (b *Bus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			logrus.WithError(err).Warn("notify: error draining NATS connection")
		}
	}
	if b.embed != nil {
		b.embed.Shutdown()
	}
}

// PublishRoomEvent publishes out, setting routing headers so a consumer
// can filter on room_id/event_id without decoding the JSON body.
func (b *Bus) PublishRoomEvent(ctx context.Context, out OutputRoomEvent) error {
	msg := nats.NewMsg(SubjectOutputRoomEvent(b.prefix))
	msg.Header.Set(HeaderRoomID, out.RoomID)
	msg.Header.Set(HeaderEventID, out.EventID)
	msg.Header.Set(HeaderSeqNum, fmt.Sprintf("%d", out.SeqNum))
	data, err := marshalOutputRoomEvent(out)
	if err != nil {
		return err
	}
	msg.Data = data
	_, err = b.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

// Consumer is satisfied by *Bus; the narrow interface lets callers unit
// test against a fake bus.
type Consumer interface {
	Subscribe(ctx context.Context, durable string, onMessage func(OutputRoomEvent) bool) error
}

// Subscribe creates (or reattaches to) a durable pull consumer on the
// OutputRoomEvent subject and dispatches each message to onMessage,
// acking only when onMessage reports success. An empty durable name gets a
// random one-shot consumer name instead of an anonymous ephemeral
// consumer, so two empty-named Subscribe calls from the same process never
// collide on the same consumer.
func (b *Bus) Subscribe(ctx context.Context, durable string, onMessage func(OutputRoomEvent) bool) error {
	if durable == "" {
		durable = "anon-" + uuid.NewString()
	}
	sub, err := b.js.PullSubscribe(SubjectOutputRoomEvent(b.prefix), durable, nats.ManualAck())
	if err != nil {
		return fmt.Errorf("notify: subscribing to %s: %w", SubjectOutputRoomEvent(b.prefix), err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
			if err != nil {
				if err != nats.ErrTimeout {
					logrus.WithError(err).Warn("notify: fetch from JetStream failed")
				}
				continue
			}
			for _, msg := range msgs {
				out, err := unmarshalOutputRoomEvent(msg.Data)
				if err != nil {
					logrus.WithError(err).Error("notify: dropping malformed OutputRoomEvent")
					_ = msg.Ack()
					continue
				}
				if onMessage(out) {
					_ = msg.Ack()
				} else {
					_ = msg.Nak()
				}
			}
		}
	}()
	return nil
}
