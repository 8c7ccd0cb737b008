package job

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

const maxIDAttempts = 8

var (
	// ErrNotFound indicates that no job exists for the given id.
	ErrNotFound = errors.New("job not found")
	// ErrIDExhausted indicates that no unused id could be generated.
	ErrIDExhausted = errors.New("failed to generate a unique job id")
)

// Fields are the caller-supplied values of a freshly created record.
type Fields struct {
	Message        string
	InputRef       string
	ProviderHandle string
}

// Mutator edits a working copy of a record. Returning an error aborts the update
// and leaves the stored record unchanged.
type Mutator func(record *Record) error

// Listener is notified after every committed change of a record's status, outside
// of the store and record locks. Notifications for one record arrive in commit
// order. Creation is reported with a zero before value. Listeners must not write
// to the store.
type Listener func(before, after Record)

// notifyMu is taken before mu is released so that listeners observe the
// record's transitions in the order they were committed.
type entry struct {
	mu       sync.Mutex
	notifyMu sync.Mutex
	record   Record
}

// Store keeps job records in memory. The map is guarded by an RWMutex and every
// record carries its own mutex, so readers of different jobs never contend and
// a slow writer only blocks its own job.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	listeners []Listener
	newID     func() string
	now       func() time.Time
	log       *logger.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithIDGenerator replaces the uuid based id generator.
func WithIDGenerator(generate func() string) Option {
	return func(s *Store) {
		s.newID = generate
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty job store.
func NewStore(log *logger.Logger, opts ...Option) *Store {
	store := &Store{
		entries: make(map[string]*entry),
		newID:   uuid.NewString,
		now:     time.Now,
		log:     log,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Subscribe registers a listener for status changes. It must be called before the
// store is shared between goroutines.
func (s *Store) Subscribe(listener Listener) {
	s.listeners = append(s.listeners, listener)
}

// Create inserts a new pending record and returns its snapshot.
func (s *Store) Create(kind Kind, fields Fields) (Record, error) {
	now := s.now()

	s.mu.Lock()

	id, err := s.uniqueIDLocked()
	if err != nil {
		s.mu.Unlock()

		return Record{}, err
	}

	record := Record{
		ID:             id,
		Kind:           kind,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Message:        fields.Message,
		InputRef:       fields.InputRef,
		ProviderHandle: fields.ProviderHandle,
	}
	e := &entry{record: record}
	e.notifyMu.Lock()
	s.entries[id] = e
	s.mu.Unlock()

	s.log.Info("Job %s: created %s job", id, kind)
	s.notify(Record{}, record)
	e.notifyMu.Unlock()

	return record.clone(), nil
}

func (s *Store) uniqueIDLocked() (string, error) {
	for range maxIDAttempts {
		id := s.newID()
		if id == "" {
			continue
		}

		if _, exists := s.entries[id]; !exists {
			return id, nil
		}
	}

	return "", fmt.Errorf("%w after %d attempts", ErrIDExhausted, maxIDAttempts)
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return e, nil
}

// Get returns a consistent snapshot of the record.
func (s *Store) Get(id string) (Record, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.record.clone(), nil
}

// GetKind returns the record only when it belongs to kind. Records of another
// kind are reported as not found.
func (s *Store) GetKind(id string, kind Kind) (Record, error) {
	record, err := s.Get(id)
	if err != nil {
		return Record{}, err
	}

	if record.Kind != kind {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return record, nil
}

// Update applies mutate to a copy of the record under the record's lock and commits
// the copy only if it satisfies every record invariant. On rejection the stored
// record is left unchanged and its current snapshot is returned with the error.
func (s *Store) Update(id string, mutate Mutator) (Record, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Record{}, err
	}

	e.mu.Lock()

	before := e.record.clone()
	candidate := e.record.clone()

	err = mutate(&candidate)
	if err == nil {
		err = checkCandidate(&before, &candidate)
	}

	if err != nil {
		e.mu.Unlock()

		return before, err
	}

	candidate.UpdatedAt = s.now()
	e.record = candidate
	after := candidate.clone()

	if before.Status == after.Status {
		e.mu.Unlock()

		return after, nil
	}

	e.notifyMu.Lock()
	e.mu.Unlock()

	s.log.Info("Job %s: %s -> %s", id, before.Status, after.Status)
	s.notify(before, after)
	e.notifyMu.Unlock()

	return after, nil
}

func checkCandidate(before, candidate *Record) error {
	if candidate.ID != before.ID || candidate.Kind != before.Kind || !candidate.CreatedAt.Equal(before.CreatedAt) {
		return ErrImmutableField
	}

	err := CheckTransition(before.Status, candidate.Status)
	if err != nil {
		return err
	}

	return candidate.Validate()
}

// Delete removes a record and returns its last snapshot.
func (s *Store) Delete(id string) (Record, error) {
	s.mu.Lock()

	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()

		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(s.entries, id)
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.record.clone(), nil
}

// Len returns the number of records currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// EvictTerminal removes every terminal record last updated before cutoff and
// returns the removed snapshots.
func (s *Store) EvictTerminal(cutoff time.Time) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []Record

	for id, e := range s.entries {
		e.mu.Lock()
		if e.record.Status.Terminal() && e.record.UpdatedAt.Before(cutoff) {
			evicted = append(evicted, e.record.clone())
			delete(s.entries, id)
		}
		e.mu.Unlock()
	}

	return evicted
}

func (s *Store) notify(before, after Record) {
	for _, listener := range s.listeners {
		listener(before, after)
	}
}
