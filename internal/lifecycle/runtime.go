package lifecycle

import (
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/seantiz/stagehand/internal/input"
	"github.com/seantiz/stagehand/internal/store"
)

// Runtime carries the process-wide collaborators every instance needs. It is
// built once at startup and shared by all instances.
type Runtime struct {
	Store   store.Store
	Inputs  *input.Resolver
	Fs      afero.Fs
	Logger  *slog.Logger
	Version string

	// OnStatus, when set, is called after every successful status update.
	OnStatus func(StatusEvent)
}

// StatusEvent describes one recorded status change.
type StatusEvent struct {
	BundleID string    `json:"bundle_id,omitempty"`
	TaskIDs  []string  `json:"task_ids"`
	Status   string    `json:"status"`
	Affected int64     `json:"affected"`
	At       time.Time `json:"at"`
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger == nil {
		return slog.Default()
	}
	return rt.Logger
}

func (rt *Runtime) filesystem() afero.Fs {
	if rt.Fs != nil {
		return rt.Fs
	}
	if rt.Inputs != nil {
		return rt.Inputs.Fs()
	}
	return afero.NewOsFs()
}

func (rt *Runtime) emit(ev StatusEvent) {
	if rt.OnStatus != nil {
		rt.OnStatus(ev)
	}
}
