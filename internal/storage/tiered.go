package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// TieredStore combines local disk (source of truth) with S3 (backup/durability).
// Write path: save locally first (never block on S3), then push to S3.
// Read path: local first, S3 fallback with cache-on-read.
type TieredStore struct {
	remote BlobStore
	local  *LocalStore
	log    zerolog.Logger
}

// NewTieredStore creates a tiered local-primary + remote-backup store.
func NewTieredStore(remote BlobStore, local *LocalStore, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		remote: remote,
		local:  local,
		log:    log.With().Str("component", "tiered-store").Logger(),
	}
}

// Put writes to local disk first (fatal on failure), then the remote tier
// (warning on failure; the upload reconciler retries it).
func (s *TieredStore) Put(ctx context.Context, key string, data []byte, ct string) (string, error) {
	loc, err := s.local.Put(ctx, key, data, ct)
	if err != nil {
		return "", err
	}
	if _, err := s.remote.Put(ctx, key, data, ct); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("remote backup write failed, reconciler will retry")
	}
	return loc, nil
}

// Get checks local disk first, then falls back to the remote tier. On a
// remote hit the blob is cached locally for future reads.
func (s *TieredStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.local.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.log.Warn().Err(err).Str("key", key).Msg("local read failed, trying remote")
	}
	data, err = s.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, cacheErr := s.local.Put(ctx, key, data, ""); cacheErr != nil {
		s.log.Warn().Err(cacheErr).Str("key", key).Msg("failed to cache remote blob locally")
	}
	return data, nil
}

// Delete removes the blob from both tiers.
func (s *TieredStore) Delete(ctx context.Context, key string) (bool, error) {
	localOK, localErr := s.local.Delete(ctx, key)
	remoteOK, remoteErr := s.remote.Delete(ctx, key)
	return localOK || remoteOK, errors.Join(localErr, remoteErr)
}

// Ping checks both tiers.
func (s *TieredStore) Ping(ctx context.Context) error {
	if err := s.local.Ping(ctx); err != nil {
		return fmt.Errorf("local tier: %w", err)
	}
	if err := s.remote.Ping(ctx); err != nil {
		return fmt.Errorf("remote tier: %w", err)
	}
	return nil
}

func (s *TieredStore) Type() string { return "tiered" }
