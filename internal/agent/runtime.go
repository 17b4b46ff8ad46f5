package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/WayShare/wayshare-go/internal/config"
	"github.com/WayShare/wayshare-go/internal/kv"
	"github.com/WayShare/wayshare-go/internal/metrics"
	"github.com/WayShare/wayshare-go/internal/queue"
	"github.com/WayShare/wayshare-go/internal/session"
	"github.com/WayShare/wayshare-go/internal/submit"
	"github.com/WayShare/wayshare-go/internal/syncer"
)

// Runtime is a Service wired from configuration, together with the
// resources it owns.
type Runtime struct {
	*Service
	Client *submit.Client
	Tokens *submit.TokenSource
	store  kv.Store
}

// OpenStore opens the durable key/value store selected by cfg.
func OpenStore(ctx context.Context, cfg config.AgentConfig) (kv.Store, error) {
	switch cfg.Store {
	case "redis":
		return kv.NewRedis(ctx, cfg.RedisAddr, "", 0)
	case "sqlite", "":
		return kv.OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
}

// Open builds a Runtime on store. initial is the connectivity state the
// synchronizer starts in.
func Open(ctx context.Context, cfg config.AgentConfig, store kv.Store, logger *zap.Logger, notifier syncer.Notifier, initial syncer.State) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := metrics.NewMetrics()

	var qopts []queue.Option
	if cfg.PersistMedia {
		blobs, ok := store.(kv.BlobStore)
		if !ok {
			return nil, fmt.Errorf("store %q cannot persist media", cfg.Store)
		}
		qopts = append(qopts, queue.WithBlobStore(blobs))
	}
	q := queue.New(store, logger.Named("queue"), qopts...)
	if err := q.Load(ctx); err != nil {
		return nil, err
	}

	tokens := submit.NewTokenSource(cfg.APIURL, store, logger.Named("tokens"))
	if err := tokens.Load(ctx); err != nil {
		return nil, err
	}
	client := submit.NewClient(cfg.APIURL, logger.Named("submit"), submit.WithTokenSource(tokens))

	sync := syncer.New(q, client, logger.Named("sync"),
		syncer.WithInterval(cfg.SyncInterval),
		syncer.WithNotifier(notifier),
		syncer.WithQuarantine(cfg.QuarantineRejected),
		syncer.WithMetrics(m),
		syncer.WithInitialState(initial),
	)

	svc := New(Deps{
		Identity: session.NewIdentity(store, q, logger.Named("session")),
		Queue:    q,
		Client:   client,
		Sync:     sync,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  m,
	})
	svc.observeQueue()

	return &Runtime{Service: svc, Client: client, Tokens: tokens, store: store}, nil
}

// Close stops background work and closes the store.
func (r *Runtime) Close() error {
	r.Service.Close()
	return r.store.Close()
}
