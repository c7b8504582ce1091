package postgres

import (
	"time"

	"github.com/google/uuid"
)

// RunModel maps to the "runs" table.
type RunModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Language   string    `gorm:"not null;index"`
	Source     string    `gorm:"not null"`
	Client     string    `gorm:"not null;default:'cli'"`
	State      string    `gorm:"not null;index"`
	Kind       string
	Error      string
	ExitCode   int `gorm:"not null;default:0"`
	Signal     string
	TimedOut   bool `gorm:"not null;default:false"`
	Workspace  string
	Retained   bool  `gorm:"not null;default:false"`
	CompileMs  int64 `gorm:"not null;default:0"`
	RunMs      int64 `gorm:"not null;default:0"`
	DurationMs int64 `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"index"`
}

func (RunModel) TableName() string { return "runs" }
