package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/coderun/internal/storage"
)

// RunRepository implements storage.RunStore with GORM.
// The same repository serves the SQLite backend.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Record inserts a run. A zero ID or CreatedAt is filled in.
func (r *RunRepository) Record(ctx context.Context, run *storage.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	model := toRunModel(run)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// Get returns a single run by ID.
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*storage.Run, error) {
	var model RunModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	run := toRunDomain(&model)
	return &run, nil
}

// List returns runs newest first. Limit defaults to 50.
func (r *RunRepository) List(ctx context.Context, opts storage.ListOptions) ([]storage.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var models []RunModel
	err := r.db.WithContext(ctx).
		Scopes(LanguageScope(opts.Language), FailedScope(opts.Failed)).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	runs := make([]storage.Run, len(models))
	for i := range models {
		runs[i] = toRunDomain(&models[i])
	}
	return runs, nil
}

// Prune deletes runs created before cutoff.
func (r *RunRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&RunModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
