// Package directory provides patient directory decorators.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
	"github.com/drfirst/go-adherence/pkg/cache"
)

// Config controls the cached directory
type Config struct {
	// TTL is how long a cached patient stays usable as a fallback
	TTL time.Duration
	// KeyPrefix namespaces entries in a shared cache
	KeyPrefix string
}

// DefaultConfig returns a day-long fallback window
func DefaultConfig() Config {
	return Config{
		TTL:       24 * time.Hour,
		KeyPrefix: "patient:",
	}
}

// Cached writes every successful lookup through to a cache and serves the cached
// copy when the backing directory fails. A patient the backend reports as not
// found is never served from cache.
type Cached struct {
	backend engine.PatientDirectory
	cache   cache.Cache
	config  Config
	logger  *zap.Logger
}

var _ engine.PatientDirectory = (*Cached)(nil)

// NewCached wraps backend with c
func NewCached(backend engine.PatientDirectory, c cache.Cache, cfg Config, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &Cached{backend: backend, cache: c, config: cfg, logger: logger}
}

// Lookup implements engine.PatientDirectory
func (d *Cached) Lookup(ctx context.Context, patientID string) (*reminder.Patient, error) {
	return d.lookup(ctx, d.config.KeyPrefix+"id:"+patientID, func() (*reminder.Patient, error) {
		return d.backend.Lookup(ctx, patientID)
	})
}

// LookupByContact implements engine.PatientDirectory
func (d *Cached) LookupByContact(ctx context.Context, contact string) (*reminder.Patient, error) {
	key := d.config.KeyPrefix + "contact:" + reminder.NormalizeContact(contact)
	return d.lookup(ctx, key, func() (*reminder.Patient, error) {
		return d.backend.LookupByContact(ctx, contact)
	})
}

func (d *Cached) lookup(ctx context.Context, key string, fetch func() (*reminder.Patient, error)) (*reminder.Patient, error) {
	p, err := fetch()
	if err == nil {
		d.store(ctx, key, p)
		return p, nil
	}
	if errors.Is(err, reminder.ErrNotFound) {
		if derr := d.cache.Delete(ctx, key); derr != nil {
			d.logger.Warn("failed to evict patient", zap.String("key", key), zap.Error(derr))
		}
		return nil, err
	}

	cached, ok := d.load(ctx, key)
	if !ok {
		return nil, fmt.Errorf("patient directory unavailable: %w", err)
	}
	d.logger.Warn("patient directory unavailable, serving cached patient",
		zap.String("patient_id", cached.ID),
		zap.Error(err))
	return cached, nil
}

func (d *Cached) store(ctx context.Context, key string, p *reminder.Patient) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, key, data, d.config.TTL); err != nil {
		d.logger.Warn("failed to cache patient", zap.String("key", key), zap.Error(err))
	}
}

func (d *Cached) load(ctx context.Context, key string) (*reminder.Patient, bool) {
	data, ok, err := d.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var p reminder.Patient
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	return &p, true
}
