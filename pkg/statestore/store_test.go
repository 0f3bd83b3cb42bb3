package statestore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rs/zerolog"

	"github.com/xdmod/xdmod-etl/pkg/actionstate"
	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
)

func newSQLManager(t *testing.T) *Manager {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	backend, err := NewSQLBackend(context.Background(), db, "")
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(backend, zerolog.Nop())
}

func TestManager_GetCreatesOnMiss(t *testing.T) {
	mgr := newSQLManager(t)
	ctx := context.Background()

	st, err := mgr.Get(ctx, "aggregate-jobs", "")
	if err != nil {
		t.Fatal(err)
	}
	if st.Type != actionstate.IntraAction || st.Len() != 0 {
		t.Errorf("expected fresh intra-action state, got %+v", st.Metadata)
	}

	metas, err := mgr.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 0 {
		t.Errorf("Get must not persist, found %d rows", len(metas))
	}
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	mgr := newSQLManager(t)
	ctx := context.Background()

	st, _ := mgr.Get(ctx, "reconstruct-hosts", "aggregation-watermark")
	st.Set("last_end", int64(1675209599))
	st.Set("resource", "stampede2")
	if err := mgr.Save(ctx, st, "reconstruct-hosts"); err != nil {
		t.Fatal(err)
	}

	got, err := mgr.Get(ctx, "aggregate-jobs", "aggregation-watermark")
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := got.Int64("last_end"); !ok || v != 1675209599 {
		t.Errorf("Int64(last_end) = %d, %v", v, ok)
	}
	if got.CreatingAction != "reconstruct-hosts" {
		t.Errorf("CreatingAction = %q, want %q", got.CreatingAction, "reconstruct-hosts")
	}
	if got.SizeBytes <= 0 {
		t.Errorf("SizeBytes = %d, want > 0", got.SizeBytes)
	}

	// A second save by another action keeps the creator and records the modifier.
	got.Set("resource", "frontera")
	if err := mgr.Save(ctx, got, "aggregate-jobs"); err != nil {
		t.Fatal(err)
	}
	metas, err := mgr.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(metas))
	}
	if metas[0].CreatingAction != "reconstruct-hosts" || metas[0].ModifyingAction != "aggregate-jobs" {
		t.Errorf("unexpected metadata %+v", metas[0])
	}
}

func TestManager_Delete(t *testing.T) {
	mgr := newSQLManager(t)
	ctx := context.Background()

	st, _ := mgr.Get(ctx, "a", "shared")
	if err := mgr.Save(ctx, st, "a"); err != nil {
		t.Fatal(err)
	}

	ok, err := mgr.Delete(ctx, "shared")
	if err != nil || !ok {
		t.Errorf("Delete(existing) = %v, %v; want true, nil", ok, err)
	}
	ok, err = mgr.Delete(ctx, "shared")
	if err != nil || ok {
		t.Errorf("Delete(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestManager_KeyTooLong(t *testing.T) {
	mgr := newSQLManager(t)
	_, err := mgr.Get(context.Background(), "a", strings.Repeat("x", 65))
	if !etlerrors.IsCode(err, etlerrors.CodePersistence) {
		t.Errorf("expected persistence error, got %v", err)
	}
}

// memBackend is an in-memory Backend used to exercise the mirror.
type memBackend struct {
	name string
	recs map[string]*Record
	err  error
}

func newMem(name string) *memBackend {
	return &memBackend{name: name, recs: make(map[string]*Record)}
}

func (m *memBackend) Load(ctx context.Context, key string) (*Record, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	r, ok := m.recs[key]
	return r, ok, nil
}

func (m *memBackend) Save(ctx context.Context, rec *Record) error {
	if m.err != nil {
		return m.err
	}
	m.recs[rec.Meta.Key] = rec
	return nil
}

func (m *memBackend) Delete(ctx context.Context, key string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.recs[key]
	delete(m.recs, key)
	return ok, nil
}

func (m *memBackend) List(ctx context.Context) ([]actionstate.Metadata, error) {
	var out []actionstate.Metadata
	for _, r := range m.recs {
		out = append(out, r.Meta)
	}
	return out, m.err
}

func (m *memBackend) Name() string { return m.name }

func TestMirrorBackend(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newMem("sql"), newMem("redis")
	mirror := NewMirrorBackend(primary, secondary, zerolog.Nop())
	mgr := NewManager(mirror, zerolog.Nop())

	st, _ := mgr.Get(ctx, "a", "k")
	st.Set("n", 1)
	if err := mgr.Save(ctx, st, "a"); err != nil {
		t.Fatal(err)
	}
	if len(primary.recs) != 1 || len(secondary.recs) != 1 {
		t.Fatalf("expected write to both backends: %d/%d", len(primary.recs), len(secondary.recs))
	}

	// Secondary failures never fail the write.
	secondary.err = errors.New("connection refused")
	if err := mgr.Save(ctx, st, "a"); err != nil {
		t.Errorf("secondary failure leaked: %v", err)
	}

	// Primary read failures fall back to the secondary.
	secondary.err = nil
	primary.err = errors.New("db down")
	got, err := mgr.Get(ctx, "a", "k")
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := got.Int64("n"); !ok || v != 1 {
		t.Errorf("fallback read returned %d, %v", v, ok)
	}

	if mirror.Name() != "sql+redis" {
		t.Errorf("Name() = %q, want %q", mirror.Name(), "sql+redis")
	}
}

func TestManager_BackendFailureIsPersistence(t *testing.T) {
	b := newMem("broken")
	b.err = errors.New("boom")
	mgr := NewManager(b, zerolog.Nop())

	_, err := mgr.Get(context.Background(), "a", "k")
	if !etlerrors.IsCode(err, etlerrors.CodePersistence) {
		t.Errorf("expected persistence error, got %v", err)
	}
}
