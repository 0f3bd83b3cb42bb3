// Package statestore persists ActionState objects across ETL invocations.
//
// The Manager implements get-or-create, save, delete and list on top of a
// pluggable Backend. The SQL backend is the system of record; Redis and S3
// backends exist for deployments that keep action state outside the warehouse,
// and MirrorBackend pairs a primary with a best-effort secondary.
package statestore

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/xdmod/xdmod-etl/pkg/actionstate"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
)

// Record is a stored state object: metadata plus the encoded payload.
type Record struct {
	Meta    actionstate.Metadata
	Payload []byte
}

// Backend is the storage contract for action state. A missing key is reported
// as found=false with a nil error, never as an error.
type Backend interface {
	// Load retrieves a record by key.
	Load(ctx context.Context, key string) (*Record, bool, error)

	// Save upserts a record by key in a single operation.
	Save(ctx context.Context, rec *Record) error

	// Delete removes a record and reports whether anything matched.
	Delete(ctx context.Context, key string) (bool, error)

	// List returns metadata for every stored record without decoding payloads.
	List(ctx context.Context) ([]actionstate.Metadata, error)

	// Name returns the backend name for logging.
	Name() string
}

// Manager is the StateStore façade used by actions.
type Manager struct {
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time
}

// NewManager creates a manager over backend.
func NewManager(backend Backend, logger zerolog.Logger) *Manager {
	return &Manager{
		backend: backend,
		logger:  logger.With().Str("component", "statestore").Str("backend", backend.Name()).Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Backend returns the underlying backend.
func (m *Manager) Backend() Backend { return m.backend }

// Get loads the state stored under key, or returns a new empty state when none
// exists. An empty key addresses the intra-action state of actionName.
func (m *Manager) Get(ctx context.Context, actionName, key string) (*actionstate.State, error) {
	fresh, err := actionstate.New(actionName, key)
	if err != nil {
		return nil, err
	}

	rec, found, err := m.backend.Load(ctx, fresh.Key)
	if err != nil {
		return nil, etlerrors.Persistence(err, "load").WithContext("key", fresh.Key)
	}
	if !found {
		m.logger.Debug().Str("key", fresh.Key).Str("action", actionName).Msg("state not found, created")
		return fresh, nil
	}

	st, err := actionstate.Decode(rec.Meta, rec.Payload)
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Str("key", st.Key).Int64("bytes", st.SizeBytes).Msg("state loaded")
	return st, nil
}

// Save encodes st and upserts it. The modifying action, modification time and
// size are updated before the write.
func (m *Manager) Save(ctx context.Context, st *actionstate.State, actionName string) error {
	if err := actionstate.ValidateKey(st.Key); err != nil {
		return err
	}
	payload, err := st.Encode()
	if err != nil {
		return err
	}

	st.Touch(actionName, len(payload))
	st.ModifiedTime = m.now()
	if st.CreationTime.IsZero() {
		st.CreationTime = st.ModifiedTime
	}
	if st.CreatingAction == "" {
		st.CreatingAction = actionName
	}

	if err := m.backend.Save(ctx, &Record{Meta: st.Metadata, Payload: payload}); err != nil {
		return etlerrors.Persistence(err, "save").WithContext("key", st.Key)
	}
	m.logger.Debug().Str("key", st.Key).Str("action", actionName).Int("bytes", len(payload)).Msg("state saved")
	return nil
}

// Delete removes the state stored under key. It reports false when no row
// matched.
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	if err := actionstate.ValidateKey(key); err != nil {
		return false, err
	}
	ok, err := m.backend.Delete(ctx, key)
	if err != nil {
		return false, etlerrors.Persistence(err, "delete").WithContext("key", key)
	}
	return ok, nil
}

// List returns metadata of every stored state object.
func (m *Manager) List(ctx context.Context) ([]actionstate.Metadata, error) {
	metas, err := m.backend.List(ctx)
	if err != nil {
		return nil, etlerrors.Persistence(err, "list")
	}
	return metas, nil
}
