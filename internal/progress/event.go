// Package progress defines the event structures emitted during a harvest run.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRunDone    Stage = "RUN_DONE"
	StageRunError   Stage = "RUN_ERROR"
	StageVisitDone  Stage = "VISIT_DONE"
	StageVisitError Stage = "VISIT_ERROR"
)

// Event captures a single step of harvest progress.
type Event struct {
	// RunID identifies the harvest run.
	RunID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or visit milestone occurred.
	Stage Stage
	// Root labels the configured root a visit belongs to.
	Root string
	// Path is the directory path visited.
	Path string
	// Records counts records in the visited batch, or the documents indexed
	// for RUN_DONE.
	Records int64
	// Objects counts object records within Records.
	Objects int64
	// Dur captures fetch latency for visits and wall time for run completion.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageVisitDone, StageVisitError:
		if e.Root == "" {
			return errors.New("visit events require root")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Records < 0 || e.Objects < 0 {
		return errors.New("counts must be >= 0")
	}
	return nil
}
