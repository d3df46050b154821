package state

import (
	"github.com/Fantom-foundation/Jellyfish/backend"
	"github.com/Fantom-foundation/Jellyfish/common"
)

// LedgerCounter identifies one of the per-version counters the commit path
// reports node turnover to.
type LedgerCounter byte

const (
	NewStateNodes LedgerCounter = iota
	NewStateLeaves
	StaleStateNodes
	StaleStateLeaves
	numLedgerCounters
)

func (c LedgerCounter) String() string {
	switch c {
	case NewStateNodes:
		return "new-state-nodes"
	case NewStateLeaves:
		return "new-state-leaves"
	case StaleStateNodes:
		return "stale-state-nodes"
	case StaleStateLeaves:
		return "stale-state-leaves"
	default:
		return "unknown"
	}
}

// CounterBumps collects the counter increments of one version.
type CounterBumps struct {
	deltas [numLedgerCounters]int
}

// Bump increases a counter by the given delta.
func (b *CounterBumps) Bump(counter LedgerCounter, delta int) {
	b.deltas[counter] += delta
}

// Get returns the accumulated delta of a counter.
func (b *CounterBumps) Get(counter LedgerCounter) int {
	return b.deltas[counter]
}

// ChangeSet accumulates the physical mutations and counter bumps of one
// ledger commit. Mutations from unrelated subsystems may be staged into the
// same change set; committing it through the store's batch write makes all
// of them durable as one atomic unit. A change set is not safe for
// concurrent use.
type ChangeSet struct {
	Batch    backend.Batch
	counters map[common.Version]*CounterBumps
}

// NewChangeSet creates an empty change set writable into the given store.
func NewChangeSet(db backend.KeyValueStore) *ChangeSet {
	return &ChangeSet{
		Batch:    db.NewBatch(),
		counters: map[common.Version]*CounterBumps{},
	}
}

// CounterBumps returns the counter accumulator of the given version,
// creating it on first use.
func (s *ChangeSet) CounterBumps(version common.Version) *CounterBumps {
	bumps, exists := s.counters[version]
	if !exists {
		bumps = &CounterBumps{}
		s.counters[version] = bumps
	}
	return bumps
}

// Write commits all staged mutations to the given store as one atomic unit.
// Counter bumps are observational only and are not persisted here.
func (s *ChangeSet) Write(db backend.KeyValueStore) error {
	return db.Write(s.Batch)
}
