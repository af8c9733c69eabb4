package main

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/refcas/internal/attrstore"
	"github.com/tunnelmesh/refcas/internal/attrstore/fsstore"
	"github.com/tunnelmesh/refcas/internal/attrstore/ldbstore"
	"github.com/tunnelmesh/refcas/internal/attrstore/memstore"
	"github.com/tunnelmesh/refcas/internal/cas"
	"github.com/tunnelmesh/refcas/internal/config"
	"github.com/tunnelmesh/refcas/internal/fingerprint"
)

// leveldbDir is the database directory under storage.data_dir.
const leveldbDir = "leveldb"

// openBackend opens the attribute store selected by cfg.
func openBackend(cfg config.StorageConfig) (attrstore.Backend, error) {
	switch cfg.Backend {
	case config.BackendFS:
		opts := []fsstore.Option{fsstore.WithSync(cfg.Sync)}
		if cfg.ProcessLock {
			opts = append(opts, fsstore.WithProcessLock())
		}
		return fsstore.Open(cfg.DataDir, opts...)
	case config.BackendLevelDB:
		return ldbstore.Open(filepath.Join(cfg.DataDir, leveldbDir), ldbstore.WithSync(cfg.Sync))
	case config.BackendMemory:
		log.Warn().Msg("memory backend: objects are lost when the process exits")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// serviceOptions translates the cas section of cfg.
func serviceOptions(cfg config.CASConfig) ([]cas.Option, error) {
	alg, err := fingerprint.Lookup(cfg.Fingerprint)
	if err != nil {
		return nil, err
	}
	return []cas.Option{
		cas.WithFingerprint(alg),
		cas.WithVerifyReads(cfg.VerifyReads),
		cas.WithMaxObjectSize(cfg.MaxObjectSize.Bytes()),
	}, nil
}

// openService opens the configured backend and wraps it in a cas.Service.
// The returned close function releases the backend.
func openService(cfg *config.Config, extra ...cas.Option) (*cas.Service, func(), error) {
	opts, err := serviceOptions(cfg.CAS)
	if err != nil {
		return nil, nil, err
	}
	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
	}
	closeFn := func() {
		if err := backend.Close(); err != nil {
			log.Warn().Err(err).Msg("close backend")
		}
	}
	return cas.New(backend, append(opts, extra...)...), closeFn, nil
}
