// Command palpo wires the room state engine's components into a running
// process: load config, open storage, load the signing key, build the
// ingestion pipeline and the external API facade, and open the
// change-notification bus. It does not open an HTTP listener: per the
// engine's external-interface boundary, client and federation transport
// are out-of-scope collaborators that import roomserver/api.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/palpo-matrix-server/palpo-sub005/federationapi"
	"github.com/palpo-matrix-server/palpo-sub005/internal/caching"
	"github.com/palpo-matrix-server/palpo-sub005/internal/config"
	"github.com/palpo-matrix-server/palpo-sub005/internal/notify"
	"github.com/palpo-matrix-server/palpo-sub005/internal/roomlock"
	"github.com/palpo-matrix-server/palpo-sub005/internal/seqnum"
	"github.com/palpo-matrix-server/palpo-sub005/internal/txnmemo"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/api"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/authchain"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/frame"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/keyring"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/postgres"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/shared"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/sqlite3"
)

func main() {
	configPath := flag.String("config", "palpo.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("palpo: failed to load config")
	}

	roomserverAPI, bus, err := build(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("palpo: failed to start")
	}
	defer bus.Close()
	_ = roomserverAPI // handed to a transport layer in a full deployment

	logrus.WithField("server_name", cfg.Global.ServerName).Info("palpo: room state engine started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logrus.Info("palpo: shutting down")
}

// build wires every component per cfg and returns the external-facing
// facade a transport layer would import, and the notification bus it
// should close on shutdown.
func build(cfg *config.Config) (*api.RoomserverAPI, *notify.Bus, error) {
	priv, err := loadSigningKey(cfg.Global.PrivateKeyPath, cfg.Global.KeyID)
	if err != nil {
		return nil, nil, err
	}

	db, err := openDatabase(connectionString(cfg.RoomServer.Database, cfg.Global.Database))
	if err != nil {
		return nil, nil, errors.Wrap(err, "palpo: opening roomserver database")
	}

	caches := caching.NewRistrettoCache(caching.DataUnit(cfg.Global.Cache.MaxCostBytes), 0, caching.MetricsEnabled)

	frames := frame.New(db, caches.Frames)
	if cfg.RoomServer.FrameCompactionDepth > 0 {
		frames.SetCompactionDepth(cfg.RoomServer.FrameCompactionDepth)
	}

	fedClient := federationapi.NewClient(cfg.FederationAPI, cfg.Global.ServerName, cfg.Global.KeyID, priv)

	authChains := authchain.New(
		&roomserverEventStore{db: db},
		&authchain.TableResolver{Events: db.Events},
		db.AuthChains, db.DB, db.Writer, caches.AuthChains,
	)
	keys := keyring.New(fedClient, "")
	locks := roomlock.NewManager()

	// NextSeqNum advances the durable counter by one and returns the new
	// value, which seeds the in-memory allocator. Values the allocator
	// hands out are not written back, so they can repeat across restarts.
	floor, err := db.NextSeqNum(context.Background())
	if err != nil {
		return nil, nil, errors.Wrap(err, "palpo: seeding seqnum allocator")
	}
	seqnums := seqnum.NewAllocator(floor)

	memo := txnmemo.New(db.DB, db.TransactionMemo, db.Writer)

	bus, err := notify.Open(cfg.Global.NATS)
	if err != nil {
		return nil, nil, errors.Wrap(err, "palpo: opening notification bus")
	}

	return api.Build(db, frames, authChains, keys, locks, seqnums, memo, bus, fedClient), bus, nil
}

// roomserverEventStore adapts shared.Database to the narrow Event(id)
// contract roomserver/authchain.EventStore depends on.
type roomserverEventStore struct {
	db *shared.Database
}

func (s *roomserverEventStore) Event(id spec.EventID) (*event.PDU, error) {
	raw, ok, err := s.db.EventByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("palpo: unknown event %s", id)
	}
	pdu, err := event.ParsePDU(raw)
	if err != nil {
		return nil, err
	}
	pdu.SetEventID(id)
	return pdu, nil
}

func openDatabase(connStr string) (*shared.Database, error) {
	if strings.HasPrefix(connStr, "postgres://") || strings.HasPrefix(connStr, "postgresql://") {
		return postgres.NewDatabase(connStr)
	}
	return sqlite3.NewDatabase(connStr)
}

// connectionString prefers the component-specific database, falling back
// to the shared global one for a --single-database deployment where
// component.ConnectionString is left blank.
func connectionString(component, global config.DatabaseOptions) string {
	if component.ConnectionString != "" {
		return component.ConnectionString
	}
	return global.ConnectionString
}
