// Package contextstore serves the ephemeral session key/value area.
//
// Entries here are working state with a mandatory TTL, disjoint from the
// long-term memory lifecycle: no embeddings, no supersession, no taxonomy.
// Validation happens in this layer so the store only ever sees well-formed
// keys and scopes.
package contextstore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

const (
	// MaxTTLHours caps every entry at thirty days. Anything worth keeping
	// longer belongs in long-term memory.
	MaxTTLHours = 720

	defaultScope   = "session"
	maxScopeLength = 50
)

// Keys are flat identifiers: no spaces, slashes, or quotes.
var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-.]{1,200}$`)

// Options carries the configured limits.
type Options struct {
	DefaultTTLHours int
	MaxKeyLength    int
	MaxValueLength  int
}

// Service validates and executes context-store operations.
type Service struct {
	store       storage.Storage
	defaultTTL  int
	maxKeyLen   int
	maxValueLen int
	log         *zap.Logger
}

// New creates a Service. Zero option fields fall back to the documented
// defaults (24 h, 200 chars, 50 000 chars).
func New(store storage.Storage, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:       store,
		defaultTTL:  opts.DefaultTTLHours,
		maxKeyLen:   opts.MaxKeyLength,
		maxValueLen: opts.MaxValueLength,
		log:         log,
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = 24
	}
	if s.maxKeyLen <= 0 {
		s.maxKeyLen = 200
	}
	if s.maxValueLen <= 0 {
		s.maxValueLen = 50000
	}
	return s
}

func (s *Service) validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key must be a non-empty string", storage.ErrInvalidInput)
	}
	if len(key) > s.maxKeyLen {
		return fmt.Errorf("%w: key must be %d characters or fewer", storage.ErrInvalidInput, s.maxKeyLen)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: key may only contain letters, numbers, underscores, hyphens, and dots", storage.ErrInvalidInput)
	}
	return nil
}

func normalizeScope(scope string) string {
	scope = strings.ToLower(strings.TrimSpace(scope))
	if scope == "" {
		return defaultScope
	}
	if len(scope) > maxScopeLength {
		scope = scope[:maxScopeLength]
	}
	return scope
}

// Set writes key=value with a fresh TTL, overwriting any existing entry.
// Zero ttlHours means the configured default.
func (s *Service) Set(ctx context.Context, key, value string, ttlHours int, scope string) (*types.ContextEntry, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("%w: value must be a non-empty string", storage.ErrInvalidInput)
	}
	if len(value) > s.maxValueLen {
		return nil, fmt.Errorf("%w: value exceeds maximum length of %d characters", storage.ErrInvalidInput, s.maxValueLen)
	}
	if ttlHours == 0 {
		ttlHours = s.defaultTTL
	}
	if ttlHours < 1 {
		return nil, fmt.Errorf("%w: ttl_hours must be a positive integer", storage.ErrInvalidInput)
	}
	if ttlHours > MaxTTLHours {
		return nil, fmt.Errorf("%w: ttl_hours cannot exceed %d (30 days); for permanent storage use memorize_context instead",
			storage.ErrInvalidInput, MaxTTLHours)
	}

	now := time.Now().UTC()
	entry := &types.ContextEntry{
		Key:       key,
		Value:     value,
		Scope:     normalizeScope(scope),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Duration(ttlHours) * time.Hour),
	}
	if err := s.store.SetContextEntry(ctx, entry); err != nil {
		return nil, err
	}
	s.log.Info("context entry written",
		zap.String("key", key),
		zap.String("scope", entry.Scope),
		zap.Time("expires_at", entry.ExpiresAt))
	return entry, nil
}

// Get returns the entry for key, or ErrNotFound when it is missing or
// already expired.
func (s *Service) Get(ctx context.Context, key string) (*types.ContextEntry, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	return s.store.GetContextEntry(ctx, key)
}

// Delete removes the entry ahead of its TTL. The bool reports whether a row
// actually existed.
func (s *Service) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.validateKey(key); err != nil {
		return false, err
	}
	return s.store.DeleteContextEntry(ctx, key)
}

// List returns unexpired entries newest-updated first, optionally filtered
// by scope. Values are included; callers deciding to omit them do so at the
// presentation layer.
func (s *Service) List(ctx context.Context, scope string) ([]*types.ContextEntry, error) {
	if strings.TrimSpace(scope) != "" {
		scope = normalizeScope(scope)
	} else {
		scope = ""
	}
	return s.store.ListContextEntries(ctx, scope)
}

// ExtendTTL pushes an unexpired entry's expiry forward by additionalHours,
// clamped so it never exceeds MaxTTLHours from now. Returns the new expiry.
func (s *Service) ExtendTTL(ctx context.Context, key string, additionalHours int) (time.Time, error) {
	if err := s.validateKey(key); err != nil {
		return time.Time{}, err
	}
	if additionalHours < 1 {
		return time.Time{}, fmt.Errorf("%w: additional_hours must be a positive integer", storage.ErrInvalidInput)
	}
	return s.store.ExtendContextTTL(ctx, key, additionalHours)
}
