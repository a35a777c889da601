package client

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"gitlab.com/voxline/services/backend/internal/models"
)

// DefaultDisplayDuration is how long an unpinned notification stays listed.
const DefaultDisplayDuration = 5 * time.Second

// StoreOptions configures a NotificationStore.
type StoreOptions struct {
	DisplayDuration time.Duration
	Clock           clockwork.Clock
	// Persister is optional. Every change is written through it.
	Persister Persister
}

// NotificationStore is the dashboard's list of visible notifications, in
// insertion order. Unpinned entries expire after the display duration.
type NotificationStore struct {
	display   time.Duration
	clock     clockwork.Clock
	persister Persister

	mu      sync.Mutex
	records []models.NotificationRecord
	timers  map[string]clockwork.Timer
	closed  bool
}

// NewNotificationStore creates a store and loads whatever the persister
// holds. Loaded entries get a fresh display period.
func NewNotificationStore(opts StoreOptions) *NotificationStore {
	if opts.DisplayDuration <= 0 {
		opts.DisplayDuration = DefaultDisplayDuration
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &NotificationStore{
		display:   opts.DisplayDuration,
		clock:     clock,
		persister: opts.Persister,
		timers:    make(map[string]clockwork.Timer),
	}

	if s.persister != nil {
		records, err := s.persister.Load()
		if err != nil {
			log.WithError(err).Warn("Failed to load notifications")
		}
		s.mu.Lock()
		for _, rec := range records {
			if rec.ID == "" {
				continue
			}
			s.records = append(s.records, rec)
			s.scheduleLocked(rec)
		}
		s.mu.Unlock()
	}
	return s
}

// Push adds n, assigning an id and timestamp when missing, and returns the
// stored record.
func (s *NotificationStore) Push(n models.NotificationRecord) models.NotificationRecord {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = s.clock.Now().UTC()
	}
	if !n.Type.Valid() {
		n.Type = models.NotificationInfo
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return n
	}

	if i := s.indexLocked(n.ID); i >= 0 {
		s.records[i] = n
		s.cancelLocked(n.ID)
	} else {
		s.records = append(s.records, n)
	}
	s.scheduleLocked(n)
	s.persistLocked()
	return n
}

// Dismiss removes id immediately.
func (s *NotificationStore) Dismiss(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

// MarkRead sets the read flag of id. Marking twice is the same as once.
func (s *NotificationStore) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	if !s.records[i].Read {
		s.records[i].Read = true
		s.persistLocked()
	}
	return true
}

// Clear removes every notification and the persisted copy.
func (s *NotificationStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.timers {
		s.cancelLocked(id)
	}
	s.records = nil
	if s.persister != nil {
		if err := s.persister.Clear(); err != nil {
			log.WithError(err).Warn("Failed to clear persisted notifications")
		}
	}
}

// List returns a copy of the notifications in insertion order.
func (s *NotificationStore) List() []models.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.NotificationRecord(nil), s.records...)
}

// Unread counts notifications not yet marked read.
func (s *NotificationStore) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if !rec.Read {
			n++
		}
	}
	return n
}

// Close stops every expiry timer. The list is left as is.
func (s *NotificationStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id := range s.timers {
		s.cancelLocked(id)
	}
}

func (s *NotificationStore) scheduleLocked(rec models.NotificationRecord) {
	if rec.Pinned || s.closed {
		return
	}
	id := rec.ID
	var timer clockwork.Timer
	timer = s.clock.AfterFunc(s.display, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// a re-push replaced the timer
		if s.timers[id] != timer {
			return
		}
		s.removeLocked(id)
	})
	s.timers[id] = timer
}

func (s *NotificationStore) cancelLocked(id string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *NotificationStore) removeLocked(id string) bool {
	s.cancelLocked(id)
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	s.persistLocked()
	return true
}

func (s *NotificationStore) indexLocked(id string) int {
	for i, rec := range s.records {
		if rec.ID == id {
			return i
		}
	}
	return -1
}

func (s *NotificationStore) persistLocked() {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(s.records); err != nil {
		log.WithError(err).Warn("Failed to persist notifications")
	}
}
