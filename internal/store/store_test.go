package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGetUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertUser(ctx, "alice", "hash1", "salt1")
	require.NoError(t, err)
	require.Positive(t, id)

	u, ok, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "hash1", u.PasswordHash)
	assert.Equal(t, "salt1", u.Salt)
	assert.False(t, u.CreatedAt.IsZero())

	_, ok, err = s.GetUserByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertUserDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertUser(ctx, "alice", "h", "s")
	require.NoError(t, err)

	_, err = s.InsertUser(ctx, "alice", "h2", "s2")
	assert.ErrorIs(t, err, ErrExists)
}

func TestSaltLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertUser(ctx, "bob", "h", "pepper")
	require.NoError(t, err)

	salt, ok, err := s.GetSaltByUsername(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pepper", salt)

	_, ok, err = s.GetSaltByUsername(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateUserPassword(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertUser(ctx, "carol", "old", "oldsalt")
	require.NoError(t, err)

	require.NoError(t, s.UpdateUserPassword(ctx, id, "new", "newsalt"))

	u, ok, err := s.GetUserByUsername(ctx, "carol")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", u.PasswordHash)
	assert.Equal(t, "newsalt", u.Salt)

	assert.Error(t, s.UpdateUserPassword(ctx, id+100, "x", "y"))
}

func TestGlobalPermissions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertUser(ctx, "dave", "h", "s")
	require.NoError(t, err)

	ok, err := s.HasGlobal(ctx, id, "admin")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.GrantGlobal(ctx, id, "admin"))
	require.NoError(t, s.GrantGlobal(ctx, id, "admin"), "re-grant is a no-op")
	require.NoError(t, s.GrantGlobal(ctx, id, "read"))

	ok, err = s.HasGlobal(ctx, id, "admin")
	require.NoError(t, err)
	assert.True(t, ok)

	perms, err := s.ListGlobal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "read"}, perms)

	require.NoError(t, s.RevokeGlobal(ctx, id, "admin"))
	ok, err = s.HasGlobal(ctx, id, "admin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCalendarPermissions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertUser(ctx, "erin", "h", "s")
	require.NoError(t, err)
	cal, err := s.CreateCalendar(ctx, "family", id)
	require.NoError(t, err)

	require.NoError(t, s.GrantCalendar(ctx, id, cal.ID, "write"))

	ok, err := s.HasCalendar(ctx, id, cal.ID, "write")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasCalendar(ctx, id, cal.ID, "delete")
	require.NoError(t, err)
	assert.False(t, ok)

	perms, err := s.ListCalendarPermissions(ctx, id, cal.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"write"}, perms)

	require.NoError(t, s.RevokeCalendar(ctx, id, cal.ID, "write"))
	perms, err = s.ListCalendarPermissions(ctx, id, cal.ID)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestEventsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertUser(ctx, "frank", "h", "s")
	require.NoError(t, err)
	cal, err := s.CreateCalendar(ctx, "chores", id)
	require.NoError(t, err)

	start := time.Date(2026, 9, 1, 18, 0, 0, 0, time.UTC)
	ev, err := s.CreateEvent(ctx, Event{
		CalendarID:  cal.ID,
		Title:       "take out trash",
		Description: "bins by the curb",
		StartsAt:    start,
		EndsAt:      start.Add(30 * time.Minute),
		CreatedBy:   id,
	})
	require.NoError(t, err)
	require.Positive(t, ev.ID)

	later, err := s.CreateEvent(ctx, Event{
		CalendarID: cal.ID,
		Title:      "dinner",
		StartsAt:   start.Add(time.Hour),
		EndsAt:     start.Add(2 * time.Hour),
		CreatedBy:  id,
	})
	require.NoError(t, err)

	events, err := s.ListEvents(ctx, cal.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "take out trash", events[0].Title)
	assert.True(t, events[0].StartsAt.Equal(start))
	assert.Equal(t, later.ID, events[1].ID)

	cals, err := s.ListCalendars(ctx)
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.Equal(t, "chores", cals[0].Name)
}
