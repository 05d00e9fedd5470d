package tokenstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"copilot-gateway/internal/auth"
	"copilot-gateway/internal/config"
)

// Open builds the store selected by cfg. The returned close function releases
// pools, connections and embedded servers; it is never nil.
func Open(ctx context.Context, cfg config.TokenStoreConfig, log zerolog.Logger) (auth.Store, func(), error) {
	noop := func() {}

	switch cfg.Kind {
	case "", config.StoreMemory:
		return NewMemory(), noop, nil

	case config.StoreFile:
		return NewFile(cfg.Path), noop, nil

	case config.StorePostgres:
		pool, err := NewPool(ctx, cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		store, err := NewPostgres(ctx, pool, cfg.Key)
		if err != nil {
			pool.Close()
			return nil, noop, err
		}
		log.Info().Str("kind", cfg.Kind).Msg("token store ready")
		return store, pool.Close, nil

	case config.StoreNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("copilot-gateway"))
		if err != nil {
			return nil, noop, fmt.Errorf("connect nats: %w", err)
		}
		store, err := NewNATS(nc, cfg.Bucket, cfg.Key)
		if err != nil {
			nc.Close()
			return nil, noop, err
		}
		log.Info().Str("kind", cfg.Kind).Str("bucket", cfg.Bucket).Msg("token store ready")
		return store, nc.Close, nil

	case config.StoreNATSEmbedded:
		dir := cfg.StoreDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "copilot-gateway-jetstream")
		}
		srv, err := NewEmbeddedServer(dir)
		if err != nil {
			return nil, noop, fmt.Errorf("start embedded nats: %w", err)
		}
		nc, err := srv.Connect()
		if err != nil {
			srv.Shutdown()
			return nil, noop, fmt.Errorf("connect embedded nats: %w", err)
		}
		store, err := NewNATS(nc, cfg.Bucket, cfg.Key)
		if err != nil {
			nc.Close()
			srv.Shutdown()
			return nil, noop, err
		}
		log.Info().Str("kind", cfg.Kind).Str("store_dir", dir).Msg("token store ready")
		return store, func() {
			nc.Close()
			srv.Shutdown()
		}, nil

	default:
		return nil, noop, fmt.Errorf("unknown token store kind %q", cfg.Kind)
	}
}
