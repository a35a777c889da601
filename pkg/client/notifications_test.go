package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/voxline/services/backend/internal/models"
)

func TestStorePushThenExpire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewNotificationStore(StoreOptions{Clock: clock})
	defer s.Close()

	rec := s.Push(models.NotificationRecord{
		Type:    models.NotificationSuccess,
		Title:   "Saved",
		Message: "Agent created",
	})
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, clock.Now().UTC(), rec.Timestamp)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "Saved", list[0].Title)
	assert.Equal(t, "Agent created", list[0].Message)
	assert.False(t, list[0].Read)

	clock.Advance(4999 * time.Millisecond)
	assert.Len(t, s.List(), 1)

	clock.Advance(time.Millisecond)
	eventually(t, func() bool { return len(s.List()) == 0 }, "expired")
}

func TestStorePinnedStays(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewNotificationStore(StoreOptions{Clock: clock})
	defer s.Close()

	s.Push(models.NotificationRecord{Type: models.NotificationError, Title: "Call failed", Pinned: true})
	s.Push(models.NotificationRecord{Type: models.NotificationInfo, Title: "Ringing"})

	clock.Advance(time.Minute)
	eventually(t, func() bool { return len(s.List()) == 1 }, "unpinned expired")
	assert.Equal(t, "Call failed", s.List()[0].Title)
}

func TestStoreInsertionOrder(t *testing.T) {
	s := NewNotificationStore(StoreOptions{Clock: clockwork.NewFakeClock()})
	defer s.Close()

	for _, title := range []string{"one", "two", "three"} {
		s.Push(models.NotificationRecord{Title: title})
	}

	var titles []string
	for _, rec := range s.List() {
		titles = append(titles, rec.Title)
		assert.Equal(t, models.NotificationInfo, rec.Type, "unknown type falls back to info")
	}
	assert.Equal(t, []string{"one", "two", "three"}, titles)
}

func TestStoreMarkReadIdempotent(t *testing.T) {
	s := NewNotificationStore(StoreOptions{Clock: clockwork.NewFakeClock()})
	defer s.Close()

	rec := s.Push(models.NotificationRecord{Type: models.NotificationSuccess, Title: "Saved"})
	s.Push(models.NotificationRecord{Type: models.NotificationInfo, Title: "Other"})
	require.Equal(t, 2, s.Unread())

	require.True(t, s.MarkRead(rec.ID))
	once := s.List()
	require.True(t, s.MarkRead(rec.ID))
	assert.Equal(t, once, s.List())
	assert.Equal(t, 1, s.Unread())

	assert.False(t, s.MarkRead("missing"))
}

func TestStoreDismissCancelsExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewNotificationStore(StoreOptions{Clock: clock})
	defer s.Close()

	rec := s.Push(models.NotificationRecord{Title: "Saved"})
	waitForTimers(t, clock, 1)

	assert.True(t, s.Dismiss(rec.ID))
	assert.Empty(t, s.List())
	waitForTimers(t, clock, 0)
	assert.False(t, s.Dismiss(rec.ID))
}

func TestStoreClear(t *testing.T) {
	clock := clockwork.NewFakeClock()
	path := filepath.Join(t.TempDir(), "notifications.json")
	s := NewNotificationStore(StoreOptions{Clock: clock, Persister: NewFilePersister(path)})
	defer s.Close()

	s.Push(models.NotificationRecord{Title: "a"})
	s.Push(models.NotificationRecord{Title: "b", Pinned: true})
	require.FileExists(t, path)

	s.Clear()
	assert.Empty(t, s.List())
	assert.Equal(t, 0, s.Unread())
	assert.NoFileExists(t, path)
	waitForTimers(t, clock, 0)
}

func TestStoreReloadsPersistedList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.json")
	clock := clockwork.NewFakeClock()

	first := NewNotificationStore(StoreOptions{Clock: clock, Persister: NewFilePersister(path)})
	saved := first.Push(models.NotificationRecord{Type: models.NotificationSuccess, Title: "Saved", Pinned: true})
	first.MarkRead(saved.ID)
	first.Close()

	second := NewNotificationStore(StoreOptions{Clock: clock, Persister: NewFilePersister(path)})
	defer second.Close()

	list := second.List()
	require.Len(t, list, 1)
	assert.Equal(t, saved.ID, list[0].ID)
	assert.True(t, list[0].Read)
}

func TestFilePersisterLastWriterWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.json")
	a := NewFilePersister(path)
	b := NewFilePersister(path)

	require.NoError(t, a.Save([]models.NotificationRecord{{ID: "from-a"}}))
	require.NoError(t, b.Save([]models.NotificationRecord{{ID: "from-b"}}))

	got, err := a.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "from-b", got[0].ID)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFilePersisterMissingFile(t *testing.T) {
	p := NewFilePersister(filepath.Join(t.TempDir(), "none.json"))

	got, err := p.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, p.Clear())
}
