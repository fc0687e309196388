package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/storage"
)

type memPositions struct {
	mu     sync.Mutex
	poses  map[string]domain.Pose
	writes int
	fail   error
}

func newMemPositions() *memPositions {
	return &memPositions{poses: make(map[string]domain.Pose)}
}

func (m *memPositions) GetPosition(_ context.Context, subject string) (domain.Pose, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.poses[subject]
	if !ok {
		return domain.Pose{}, storage.ErrNotFound
	}
	return p, nil
}

func (m *memPositions) PutPosition(_ context.Context, subject string, pose domain.Pose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.writes++
	m.poses[subject] = pose
	return nil
}

func pose(x float64) domain.Pose {
	p := domain.SpawnPose
	p.Coords.X = x
	return p
}

func TestLatestPoseWins(t *testing.T) {
	store := newMemPositions()
	w := NewWriter(store, clock.NewMock(), time.Second)

	w.Put("u1", pose(1))
	w.Put("u1", pose(2))
	w.Put("u2", pose(3))

	assert.Equal(t, 2, w.Flush(context.Background()))
	assert.Equal(t, 2, store.writes)

	got, err := store.GetPosition(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Coords.X)
	assert.Zero(t, w.Pending())
}

func TestFailedWriteIsRetried(t *testing.T) {
	store := newMemPositions()
	store.fail = errors.New("disk full")
	w := NewWriter(store, clock.NewMock(), time.Second)

	w.Put("u1", pose(1))
	assert.Zero(t, w.Flush(context.Background()))
	assert.Equal(t, 1, w.Pending())

	store.fail = nil
	assert.Equal(t, 1, w.Flush(context.Background()))
}

func TestRunFlushesOnShutdown(t *testing.T) {
	store := newMemPositions()
	w := NewWriter(store, clock.NewMock(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Put("u1", pose(7))
	cancel()
	require.NoError(t, <-done)

	got, err := store.GetPosition(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 7.0, got.Coords.X)
}

func TestFlushSoon(t *testing.T) {
	store := newMemPositions()
	w := NewWriter(store, clock.NewMock(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	w.Put("u1", pose(1))
	w.FlushSoon()
	require.Eventually(t, func() bool {
		_, err := store.GetPosition(context.Background(), "u1")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}
