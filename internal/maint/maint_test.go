package maint

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"familycalendar/internal/supervisor"
)

func TestTaskStopsOnCancel(t *testing.T) {
	sup := supervisor.New(context.Background(), zerolog.Nop())
	svc := New(sup, zerolog.Nop(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Task()(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop")
	}
}

func TestTaskRejectsBadSchedule(t *testing.T) {
	sup := supervisor.New(context.Background(), zerolog.Nop())
	svc := New(sup, zerolog.Nop(), Options{ReapSpec: "not a schedule"})

	err := svc.Task()(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad reap schedule")
}

func TestReapRemovesFinishedTasks(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := supervisor.New(parent, zerolog.Nop())
	svc := New(sup, zerolog.Nop(), Options{})

	sup.SpawnTemporary(func(ctx context.Context) error { return nil })
	require.Eventually(t, func() bool {
		svc.reap()
		return sup.TemporaryCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweepSpawnsTemporaryTask(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := supervisor.New(parent, zerolog.Nop())
	svc := New(sup, zerolog.Nop(), Options{LogDir: t.TempDir(), KeepFor: time.Hour})

	svc.sweep()
	assert.Equal(t, 1, sup.TemporaryCount())
}
