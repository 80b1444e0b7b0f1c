package buildmanager

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record describes a build in flight. It is created when the lock for its
// identity is acquired and is immutable until the lock is released.
type Record struct {
	Identity  string
	Requester string
	Command   string
	StartedAt time.Time
	RunID     string
}

// Lock maps identities to the record of their in-flight build, guaranteeing
// at most one build per identity at any instant. Different identities never
// contend with each other beyond the short critical section on the map.
type Lock struct {
	records map[string]Record
	now     func() time.Time

	mu sync.Mutex
}

// NewLock creates an empty Lock.
func NewLock() *Lock {
	return &Lock{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// TryAcquire records a new build for identity. If identity already has a
// build in flight it returns an *AlreadyLockedError carrying the existing
// record. The membership check and the insert happen in one critical section.
func (l *Lock) TryAcquire(identity, requester, command string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[identity]; ok {
		return Record{}, &AlreadyLockedError{Record: existing}
	}

	r := Record{
		Identity:  identity,
		Requester: requester,
		Command:   command,
		StartedAt: l.now(),
		RunID:     uuid.NewString(),
	}

	l.records[identity] = r

	return r, nil
}

// Release removes the record for identity if it still belongs to the run
// runID. Releasing an identity that isn't held, or that is held by another
// run, is a no-op.
func (l *Lock) Release(identity, runID string) {
	l.mu.Lock()
	if r, ok := l.records[identity]; ok && r.RunID == runID {
		delete(l.records, identity)
	}
	l.mu.Unlock()
}

// Get returns the record for identity, if held.
func (l *Lock) Get(identity string) (Record, bool) {
	l.mu.Lock()
	r, ok := l.records[identity]
	l.mu.Unlock()

	return r, ok
}

// Records returns a snapshot of all held records, oldest first.
func (l *Lock) Records() []Record {
	l.mu.Lock()
	records := slices.Collect(maps.Values(l.records))
	l.mu.Unlock()

	slices.SortFunc(records, func(a, b Record) int {
		return a.StartedAt.Compare(b.StartedAt)
	})

	return records
}

// Clear drops all records. Only used at shutdown.
func (l *Lock) Clear() {
	l.mu.Lock()
	clear(l.records)
	l.mu.Unlock()
}
