package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maxidomd/internal/lockdown"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDirectoryAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "nested", "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, ValidateSchema(s.db))
	require.NoError(t, s.Ping())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	assert.NoError(t, s.Close())
	assert.Error(t, s.Ping())
}

func TestReopenKeepsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(KeyIdentity, "abc"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(KeyIdentity)
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	status, err := GetMigrationStatus(s.db)
	require.NoError(t, err)
	assert.Equal(t, status.LatestVersion, status.CurrentVersion)
	assert.Empty(t, status.Pending)
	assert.Len(t, status.Applied, len(migrations))
}

func TestRollbackMigration(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, RollbackMigration(s.db))
	assert.Error(t, ValidateSchema(s.db))

	require.NoError(t, MigrateDB(s.db))
	assert.NoError(t, ValidateSchema(s.db))
}

func TestGetSetDelete(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(KeyOperatingMode, "baselining"))
	require.NoError(t, s.Set(KeyOperatingMode, "monitoring"))
	v, err := s.Get(KeyOperatingMode)
	require.NoError(t, err)
	assert.Equal(t, "monitoring", v)

	require.NoError(t, s.Delete(KeyOperatingMode))
	require.NoError(t, s.Delete(KeyOperatingMode))
	_, err = s.Get(KeyOperatingMode)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadState(t *testing.T) {
	s := openTestStore(t)

	st, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, State{}, *st)

	require.NoError(t, s.Set(KeyIdentity, "id-1"))
	require.NoError(t, s.Set(KeyOperatingMode, "challenged"))
	require.NoError(t, s.SetProgress(json.RawMessage(`{"is_ready":false,"sessions":3}`)))

	st, err = s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, "id-1", st.Identity)
	assert.Equal(t, "challenged", st.Mode)
	assert.JSONEq(t, `{"is_ready":false,"sessions":3}`, string(st.Progress))

	assert.Error(t, s.SetProgress(json.RawMessage(`{broken`)))

	require.NoError(t, s.SetProgress(nil))
	st, err = s.LoadState()
	require.NoError(t, err)
	assert.Nil(t, st.Progress)
}

func TestSessionLog(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()

	for i, disp := range []string{"noise", "forwarded", "passive", "forwarded"} {
		require.NoError(t, s.InsertSession(&SessionRecord{
			ID:          string(rune('a' + i)),
			ClosedAt:    base.Add(time.Duration(i) * time.Second),
			StartMs:     1000,
			EndMs:       2000,
			Reason:      "idle",
			Disposition: disp,
			KeyEvents:   i,
			Digest:      []byte{byte(i)},
		}))
	}
	require.NoError(t, s.UpdateSessionOutcome("b", "score", "anomaly"))
	assert.ErrorIs(t, s.UpdateSessionOutcome("zz", "score", "ok"), ErrNotFound)

	rec, err := s.GetSession("b")
	require.NoError(t, err)
	assert.Equal(t, "score", rec.Route)
	assert.Equal(t, "anomaly", rec.Outcome)
	assert.Equal(t, []byte{1}, rec.Digest)

	_, err = s.GetSession("zz")
	assert.ErrorIs(t, err, ErrNotFound)

	recent, err := s.RecentSessions(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].ID)
	assert.Equal(t, "c", recent[1].ID)
	assert.Empty(t, recent[1].Route)

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Sessions)
	assert.Equal(t, int64(2), stats.Forwarded)
	assert.Equal(t, int64(1), stats.Passive)
	assert.Equal(t, int64(1), stats.Noise)
	assert.Equal(t, int64(1), stats.Anomalies)
	assert.WithinDuration(t, base.Add(3*time.Second), stats.LastClose, time.Millisecond)

	n, err := s.PruneSessions(base.Add(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPersisterAppliesInOrder(t *testing.T) {
	s := openTestStore(t)
	p := NewPersister(s, nil)

	p.SaveMode(lockdown.Baselining)
	p.SaveProgress(json.RawMessage(`{"is_ready":false}`))
	p.SaveMode(lockdown.Monitoring)
	p.RecordSession(SessionRecord{ID: "s1", ClosedAt: time.Now(), Reason: "idle", Disposition: "forwarded"})
	p.RecordOutcome("s1", "score", "normal")
	p.Flush()

	st, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, "monitoring", st.Mode)
	assert.JSONEq(t, `{"is_ready":false}`, string(st.Progress))

	rec, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "normal", rec.Outcome)
	assert.Zero(t, p.Failures())

	p.Close()
}

func TestPersisterCountsFailuresAndDropsAfterClose(t *testing.T) {
	s := openTestStore(t)
	p := NewPersister(s, nil)

	p.RecordOutcome("missing", "score", "normal")
	p.Flush()
	assert.Equal(t, uint64(1), p.Failures())

	p.Close()
	p.Close()
	p.SaveMode(lockdown.Challenged)
	p.Flush()

	_, err := s.Get(KeyOperatingMode)
	assert.ErrorIs(t, err, ErrNotFound)
}
