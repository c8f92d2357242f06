package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Backend kinds accepted by Open.
const (
	KindMemory   = "memory"
	KindFile     = "file"
	KindRedis    = "redis"
	KindPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Kind string

	// FilePath is used by KindFile.
	FilePath string

	// Redis is used by KindRedis.
	Redis RedisConfig

	// DatabaseURL and Schema are used by KindPostgres.
	DatabaseURL string
	Schema      string

	// Passphrase, when set, wraps the backend in Sealed.
	Passphrase string
	KDF        KDFParams
}

// Open creates the configured store.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (KV, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		kind = KindFile
	}

	var (
		kv  KV
		err error
	)
	switch kind {
	case KindMemory:
		kv = NewMemory()
	case KindFile:
		kv, err = NewFile(cfg.FilePath)
	case KindRedis:
		kv, err = NewRedis(ctx, cfg.Redis)
	case KindPostgres:
		var opts []PostgresOption
		if cfg.Schema != "" {
			opts = append(opts, WithSchema(cfg.Schema))
		}
		kv, err = OpenPostgres(ctx, cfg.DatabaseURL, opts...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, cfg.Kind)
	}
	if err != nil {
		log.Error("storage.open.fail", "kind", kind, "err", err)
		return nil, err
	}

	sealed := false
	if cfg.Passphrase != "" {
		s, err := NewSealed(ctx, kv, cfg.Passphrase, cfg.KDF)
		if err != nil {
			_ = kv.Close()
			log.Error("storage.seal.fail", "kind", kind, "err", err)
			return nil, err
		}
		kv = s
		sealed = true
	}

	log.Info("storage.open.ok", "kind", kind, "sealed", sealed)
	return kv, nil
}
