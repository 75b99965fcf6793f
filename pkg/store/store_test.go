package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/events"
	"github.com/kiln-farm/kiln/pkg/queue"
	"github.com/kiln-farm/kiln/pkg/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestJobStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s, err := store.NewJobStore(db)
	require.NoError(t, err)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	job := &queue.Job{
		ID:          "job-1",
		FileName:    "benchy.gcode",
		PrinterName: "voron",
		Status:      queue.StatusQueued,
		Priority:    5,
		SubmittedBy: "operator",
		CreatedAt:   created,
		Metadata:    map[string]any{"material": "PLA"},
	}
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "benchy.gcode", got.FileName)
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Equal(t, 5, got.Priority)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, "PLA", got.Metadata["material"])
}

func TestJobStore_UpdateAndLoadNonTerminal(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s, err := store.NewJobStore(db)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		require.NoError(t, s.SaveJob(ctx, &queue.Job{
			ID: id, FileName: id + ".gcode", Status: queue.StatusQueued,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	started := base.Add(5 * time.Minute)
	done := base.Add(30 * time.Minute)
	require.NoError(t, s.UpdateJob(ctx, &queue.Job{
		ID: "job-b", FileName: "job-b.gcode", Status: queue.StatusCompleted,
		CreatedAt: base.Add(time.Minute), StartedAt: &started, CompletedAt: &done,
	}))

	live, err := s.LoadNonTerminalJobs(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "job-a", live[0].ID, "oldest first")
	assert.Equal(t, "job-c", live[1].ID)

	b, err := s.GetJob(ctx, "job-b")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, b.Status)
	require.NotNil(t, b.CompletedAt)
	assert.True(t, b.CompletedAt.Equal(done))
}

func TestJobStore_UpdateMissingJob(t *testing.T) {
	db := openTestDB(t)
	s, err := store.NewJobStore(db)
	require.NoError(t, err)

	err = s.UpdateJob(context.Background(), &queue.Job{ID: "ghost", Status: queue.StatusFailed})
	assert.ErrorContains(t, err, "not found")
}

func TestEventStore_AppendAndRecent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s, err := store.NewEventStore(db)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, events.Event{
			Type: events.TypeJobSubmitted, Source: "queue",
			Data:      map[string]any{"seq": float64(i)},
			Timestamp: time.Now().UTC(),
		}))
	}
	require.NoError(t, s.Append(ctx, events.Event{
		Type: events.TypeSafetyEStop, Source: "safety", Timestamp: time.Now().UTC(),
	}))

	recent, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, events.TypeSafetyEStop, recent[0].Type, "newest first")

	jobs, err := s.Recent(ctx, string(events.TypeJobSubmitted), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, float64(2), jobs[0].Data["seq"])
}

func TestPrinterStore_SaveListDefault(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s, err := store.NewPrinterStore(db)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, s.Save(ctx, &store.PrinterRecord{
		Name: "voron", Backend: "moonraker", Host: "http://voron.local", AddedAt: now,
	}))
	require.NoError(t, s.Save(ctx, &store.PrinterRecord{
		Name: "mk4", Backend: "prusalink", Host: "http://mk4.local",
		CredentialRef: "printer/mk4", AddedAt: now,
	}))

	require.NoError(t, s.SetDefault(ctx, "mk4"))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "mk4", list[0].Name, "default sorts first")
	assert.True(t, list[0].IsDefault)
	assert.False(t, list[1].IsDefault)

	// Re-pointing the default clears the old flag.
	require.NoError(t, s.SetDefault(ctx, "voron"))
	list, _ = s.List(ctx)
	assert.Equal(t, "voron", list[0].Name)

	assert.ErrorContains(t, s.SetDefault(ctx, "ghost"), "not found")
	require.NoError(t, s.Delete(ctx, "mk4"))
	list, _ = s.List(ctx)
	assert.Len(t, list, 1)
}

func TestSettingsStore_GetSetFallback(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s, err := store.NewSettingsStore(db)
	require.NoError(t, err)

	v, err := s.Get(ctx, "scheduler.reliability", "3")
	require.NoError(t, err)
	assert.Equal(t, "3", v, "unset key returns fallback")

	require.NoError(t, s.Set(ctx, "scheduler.reliability", "5"))
	require.NoError(t, s.Set(ctx, "scheduler.reliability", "4"))
	v, err = s.Get(ctx, "scheduler.reliability", "3")
	require.NoError(t, err)
	assert.Equal(t, "4", v, "set overwrites")

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"scheduler.reliability": "4"}, all)
}
