// Package brands serves the brand list read through the local cache.
package brands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maltehedderich/brand-gateway/internal/cache"
	"github.com/maltehedderich/brand-gateway/internal/config"
	"github.com/maltehedderich/brand-gateway/internal/logger"
)

// CacheKey is the cache slot holding the brand list
const CacheKey = "brands"

// Source is the upstream source of truth for brands
type Source interface {
	FetchBrands(ctx context.Context) (json.RawMessage, error)
	RefreshCache(ctx context.Context) error
}

// Service reads brands through an ephemeral cache
type Service struct {
	source Source
	cache  *cache.Cache[json.RawMessage]
	logger *logger.ComponentLogger
}

// NewService builds a service from the cache configuration. now may be nil.
func NewService(src Source, cfg config.CacheConfig, now func() time.Time) (*Service, error) {
	c, err := cache.New[json.RawMessage](cache.Options{
		TTL:               cfg.BrandsTTL,
		ServeStaleOnError: cfg.ServeStaleOnError,
		Now:               now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create brands cache: %w", err)
	}

	return &Service{
		source: src,
		cache:  c,
		logger: logger.Get().WithComponent("brands"),
	}, nil
}

// GetBrands returns the upstream brand list unchanged. With useCache set, a
// copy fetched within the TTL is returned without calling upstream. Each call
// gets its own copy of the payload, so callers may modify it.
func (s *Service) GetBrands(ctx context.Context, useCache bool) (json.RawMessage, error) {
	payload, err := s.cache.Get(ctx, CacheKey, useCache, s.source.FetchBrands)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(payload), nil
}

// RefreshUpstreamCache asks upstream to drop its own cache. The local entry
// keeps being served until its TTL lapses or GetBrands is called with
// useCache=false.
func (s *Service) RefreshUpstreamCache(ctx context.Context) error {
	if err := s.source.RefreshCache(ctx); err != nil {
		return fmt.Errorf("upstream cache refresh failed: %w", err)
	}

	s.logger.WithContext(ctx).Info("upstream cache refreshed")
	return nil
}

// FetchedAt reports when the brand list was last fetched from upstream
func (s *Service) FetchedAt() (time.Time, bool) {
	return s.cache.FetchedAt(CacheKey)
}
