package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Gate bounds concurrent runs per user. Acquire blocks until a slot is
// free or ctx is done; token identifies the holder.
type Gate interface {
	Acquire(ctx context.Context, userID uuid.UUID, token string) (release func(), err error)
}

// LocalGate is a Gate for a single worker process.
type LocalGate struct {
	limit int64

	mu    sync.Mutex
	users map[uuid.UUID]*userSlots
}

type userSlots struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLocalGate(limit int) *LocalGate {
	if limit <= 0 {
		limit = 5
	}
	return &LocalGate{limit: int64(limit), users: make(map[uuid.UUID]*userSlots)}
}

func (g *LocalGate) Acquire(ctx context.Context, userID uuid.UUID, _ string) (func(), error) {
	g.mu.Lock()
	slots, ok := g.users[userID]
	if !ok {
		slots = &userSlots{sem: semaphore.NewWeighted(g.limit)}
		g.users[userID] = slots
	}
	slots.refs++
	g.mu.Unlock()

	if err := slots.sem.Acquire(ctx, 1); err != nil {
		g.unref(userID, slots)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			slots.sem.Release(1)
			g.unref(userID, slots)
		})
	}, nil
}

func (g *LocalGate) unref(userID uuid.UUID, slots *userSlots) {
	g.mu.Lock()
	defer g.mu.Unlock()
	slots.refs--
	if slots.refs == 0 {
		delete(g.users, userID)
	}
}
