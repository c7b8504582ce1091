package postgres

import (
	"time"

	"github.com/jkaninda/coderun/internal/storage"
)

func toRunModel(r *storage.Run) RunModel {
	return RunModel{
		ID:         r.ID,
		Language:   r.Language,
		Source:     r.Source,
		Client:     r.Client,
		State:      r.State,
		Kind:       r.Kind,
		Error:      r.Error,
		ExitCode:   r.ExitCode,
		Signal:     r.Signal,
		TimedOut:   r.TimedOut,
		Workspace:  r.Workspace,
		Retained:   r.Retained,
		CompileMs:  r.CompileDuration.Milliseconds(),
		RunMs:      r.RunDuration.Milliseconds(),
		DurationMs: r.Duration.Milliseconds(),
		CreatedAt:  r.CreatedAt,
	}
}

func toRunDomain(m *RunModel) storage.Run {
	return storage.Run{
		ID:              m.ID,
		Language:        m.Language,
		Source:          m.Source,
		Client:          m.Client,
		State:           m.State,
		Kind:            m.Kind,
		Error:           m.Error,
		ExitCode:        m.ExitCode,
		Signal:          m.Signal,
		TimedOut:        m.TimedOut,
		Workspace:       m.Workspace,
		Retained:        m.Retained,
		CompileDuration: time.Duration(m.CompileMs) * time.Millisecond,
		RunDuration:     time.Duration(m.RunMs) * time.Millisecond,
		Duration:        time.Duration(m.DurationMs) * time.Millisecond,
		CreatedAt:       m.CreatedAt,
	}
}
