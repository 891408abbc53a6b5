package indexsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/marmelspade/internal/engine"
)

// Strategy selects how the live index is replaced.
type Strategy string

// Supported strategies.
const (
	// StrategyInPlace rebuilds the live index directly. Queries during the
	// run may see an empty or partial index.
	StrategyInPlace Strategy = "in_place"
	// StrategySwap rebuilds a staging index and swaps it in atomically.
	StrategySwap Strategy = "swap"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyInPlace, StrategySwap:
		return Strategy(s), nil
	case "":
		return StrategySwap, nil
	default:
		return "", fmt.Errorf("unknown sync strategy %q", s)
	}
}

// Phase names a step of a run.
type Phase string

// Run phases in execution order.
const (
	PhaseProvision Phase = "provision"
	PhaseRotate    Phase = "rotate"
	PhasePopulate  Phase = "populate"
	PhaseSettle    Phase = "settle"
	PhasePrune     Phase = "prune"
	PhasePromote   Phase = "promote"
)

// PhaseError wraps a failure with the phase it happened in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("index sync %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// KeyStore persists the freshly minted search key for the gateway.
type KeyStore interface {
	SaveSearchKey(ctx context.Context, key string) error
}

// ErrNoKeyStore is returned by a rotation that has nowhere to persist the
// new key. No key is revoked in that case.
var ErrNoKeyStore = errors.New("no key store configured for the rotated search key")

// DiscardKeyStore drops every key. It is only meant for engines that live
// for a single process, such as a dry run against the in-memory engine.
type DiscardKeyStore struct{}

// SaveSearchKey implements KeyStore.
func (DiscardKeyStore) SaveSearchKey(ctx context.Context, _ string) error {
	return ctx.Err()
}

// Index settings applied on every provision.
const (
	PrimaryKey           = "id"
	SearchKeyDescription = "Search-only key"
	DefaultStagingSuffix = "_next"
)

var (
	// FilterableAttributes are the attributes usable in filters.
	FilterableAttributes = []string{"recordType", "tags"}
	// SortableAttributes are the attributes usable in sorts.
	SortableAttributes = []string{"name"}
	// BookkeepingFilter matches records that only drive the traversal.
	BookkeepingFilter = engine.Filter{Field: "recordType", AnyOf: []string{"link", "directory"}}
)

// Config controls a synchronizer.
type Config struct {
	Index    string
	Strategy Strategy
	// SettleInterval is an extra pause after every populate task has
	// succeeded and before pruning.
	SettleInterval time.Duration
	StagingSuffix  string
}

// Report summarizes a run.
type Report struct {
	Index    string   `json:"index"`
	Target   string   `json:"target"`
	Strategy Strategy `json:"strategy"`
	// Batches counts non-empty batches sent to the engine.
	Batches   int `json:"batches"`
	Documents int `json:"documents"`
	// Bookkeeping counts directory and link records removed by the prune.
	Bookkeeping int `json:"bookkeeping"`
	// Terminal counts the records left searchable.
	Terminal         int           `json:"terminal"`
	IndexedDocuments int64         `json:"indexed_documents"`
	KeyUID           string        `json:"key_uid,omitempty"`
	Duration         time.Duration `json:"duration"`
}
