//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/coderun/internal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunRepository_RecordAndGet(t *testing.T) {
	db := testDB(t)
	repo := NewRunRepository(db.GormDB())
	ctx := context.Background()

	lang := "lang-" + uuid.New().String()[:8]
	run := &storage.Run{Language: lang, Source: "/tmp/a.py", Client: "cli", State: "succeeded", RunDuration: 1500 * time.Millisecond}
	if err := repo.Record(ctx, run); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := repo.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Language != lang || got.RunDuration != 1500*time.Millisecond {
		t.Errorf("got %+v", got)
	}

	if _, err := repo.Get(ctx, uuid.New()); err != storage.ErrNotFound {
		t.Errorf("Get(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestRunRepository_ConcurrentRecords(t *testing.T) {
	db := testDB(t)
	repo := NewRunRepository(db.GormDB())
	ctx := context.Background()
	lang := "lang-" + uuid.New().String()[:8]

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := repo.Record(ctx, &storage.Run{Language: lang, Source: "x", Client: "cli", State: "run_failed"}); err != nil {
				t.Errorf("Record: %v", err)
			}
		}()
	}
	wg.Wait()

	runs, err := repo.List(ctx, storage.ListOptions{Language: lang, Limit: 100})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != workers {
		t.Errorf("got %d runs, want %d", len(runs), workers)
	}

	n, err := repo.Prune(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n < workers {
		t.Errorf("pruned %d, want at least %d", n, workers)
	}
}
