package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/prismcli/prism/pkg/audit"
	"github.com/prismcli/prism/pkg/budget"
	"github.com/prismcli/prism/pkg/cache"
	cachesqlite "github.com/prismcli/prism/pkg/cache/sqlite"
	"github.com/prismcli/prism/pkg/config"
	"github.com/prismcli/prism/pkg/history"
	"github.com/prismcli/prism/pkg/keystore"
	"github.com/prismcli/prism/pkg/storage"
)

// Open builds an Engine from cfg, opening the cache, history and audit
// databases it names. Close releases them.
func Open(cfg *config.Config, log *zap.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var closers []io.Closer
	fail := func(err error) (*Engine, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var store cache.Store
	if cfg.Cache.Enabled {
		c, err := cachesqlite.New(cfg.CacheDBPath())
		if err != nil {
			return fail(err)
		}
		closers = append(closers, c)
		store = c
	} else {
		store = cache.NewMemory()
	}

	hist, err := history.New(cfg.DBPath)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, hist)

	base := []Option{
		WithLogger(log),
		WithHistory(hist),
		WithSaver(storage.New(cfg.SaveDir, nil, log.Named("storage"))),
	}
	if cfg.Keystore != "" {
		base = append(base, WithKeystore(keystore.New(cfg.Keystore)))
	}

	if cfg.Budget.Enabled && len(cfg.Budget.Policies) > 0 {
		base = append(base, WithBudget(budget.New(cfg.Budget.Policies, hist)))
	}

	if cfg.Audit.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.DBPath), 0o755); err != nil {
			return fail(fmt.Errorf("create audit dir: %w", err))
		}
		a, err := audit.New(cfg.Audit)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, a)
		base = append(base, WithAudit(a))
	}

	e := New(cfg, store, append(base, opts...)...)
	e.closers = closers
	return e, nil
}
