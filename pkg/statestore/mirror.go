package statestore

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/xdmod/xdmod-etl/pkg/actionstate"
)

// MirrorBackend writes to a primary and a best-effort secondary. Reads come
// from the primary and fall back to the secondary only when the primary fails.
type MirrorBackend struct {
	primary   Backend
	secondary Backend
	logger    zerolog.Logger
}

// NewMirrorBackend creates a backend that writes to both primary and secondary.
func NewMirrorBackend(primary, secondary Backend, logger zerolog.Logger) *MirrorBackend {
	return &MirrorBackend{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With().Str("component", "statestore.mirror").Logger(),
	}
}

// Save writes to both backends (primary first).
func (m *MirrorBackend) Save(ctx context.Context, rec *Record) error {
	if err := m.primary.Save(ctx, rec); err != nil {
		return err
	}
	if err := m.secondary.Save(ctx, rec); err != nil {
		m.logger.Warn().Err(err).Str("key", rec.Meta.Key).Str("secondary", m.secondary.Name()).
			Msg("secondary state write failed")
	}
	return nil
}

// Load reads from primary, falls back to secondary on error.
func (m *MirrorBackend) Load(ctx context.Context, key string) (*Record, bool, error) {
	rec, found, err := m.primary.Load(ctx, key)
	if err == nil {
		return rec, found, nil
	}
	m.logger.Warn().Err(err).Str("key", key).Msg("primary state read failed, using secondary")
	return m.secondary.Load(ctx, key)
}

// Delete removes from both backends. The result reflects the primary.
func (m *MirrorBackend) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := m.primary.Delete(ctx, key)
	if _, err2 := m.secondary.Delete(ctx, key); err2 != nil {
		m.logger.Warn().Err(err2).Str("key", key).Msg("secondary state delete failed")
	}
	return ok, err
}

// List returns the primary's listing.
func (m *MirrorBackend) List(ctx context.Context) ([]actionstate.Metadata, error) {
	return m.primary.List(ctx)
}

// Name returns the combined backend names.
func (m *MirrorBackend) Name() string {
	return m.primary.Name() + "+" + m.secondary.Name()
}
