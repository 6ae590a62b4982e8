package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs, err := Open("file", filepath.Join(dir, "records"))
	require.NoError(t, err)
	db, err := Open("sqlite", filepath.Join(dir, "records.db"))
	require.NoError(t, err)
	mem, err := Open("memory", "")
	require.NoError(t, err)

	stores := map[string]Store{"memory": mem, "file": fs, "sqlite": db}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func rec(kind, mission string, at time.Time, data string) Record {
	return Record{Key: Key(mission, at), Kind: kind, MissionID: mission, CreatedAt: at, Data: []byte(data)}
}

func TestStores_AppendListGet(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			// appended out of order on purpose
			require.NoError(t, s.Append(ctx, rec(KindCheckpoint, "A", base.Add(2*time.Second), `{"n":3}`)))
			require.NoError(t, s.Append(ctx, rec(KindCheckpoint, "A", base, `{"n":1}`)))
			require.NoError(t, s.Append(ctx, rec(KindCheckpoint, "A", base.Add(time.Second), `{"n":2}`)))
			require.NoError(t, s.Append(ctx, rec(KindCheckpoint, "B", base, `{"n":9}`)))
			require.NoError(t, s.Append(ctx, rec(KindTerminal, "A", base, `{"t":1}`)))

			got, err := s.List(ctx, KindCheckpoint, "A")
			require.NoError(t, err)
			require.Len(t, got, 3)
			for i, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
				assert.Equal(t, want, string(got[i].Data))
			}
			assert.True(t, got[0].CreatedAt.Equal(base))

			all, err := s.List(ctx, KindCheckpoint, "")
			require.NoError(t, err)
			assert.Len(t, all, 4)

			one, err := s.Get(ctx, KindTerminal, Key("A", base))
			require.NoError(t, err)
			assert.Equal(t, "A", one.MissionID)
			assert.Equal(t, `{"t":1}`, string(one.Data))

			_, err = s.Get(ctx, KindTerminal, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			err = s.Append(ctx, rec(KindCheckpoint, "A", base, `{"n":"overwrite"}`))
			assert.ErrorIs(t, err, ErrDuplicateKey)

			again, err := s.Get(ctx, KindCheckpoint, Key("A", base))
			require.NoError(t, err)
			assert.Equal(t, `{"n":1}`, string(again.Data), "existing record must survive a duplicate append")
		})
	}
}

func TestStores_EmptyList(t *testing.T) {
	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.List(context.Background(), KindTerminal, "nobody")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestAppend_RejectsBadRecords(t *testing.T) {
	s := NewMemoryStore()
	assert.Error(t, s.Append(context.Background(), Record{Kind: KindCheckpoint}))
	assert.Error(t, s.Append(context.Background(), Record{Kind: KindCheckpoint, Key: "../escape"}))
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Append(ctx, rec(KindCheckpoint, "A", at, `{}`)))

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := second.List(ctx, KindCheckpoint, "A")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Key("A", at), got[0].Key)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", "x")
	assert.Error(t, err)
	_, err = Open("file", "")
	assert.Error(t, err)
}
