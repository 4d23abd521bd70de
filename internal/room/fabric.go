package room

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Fabric owns the set of live rooms, creating them lazily on first
// subscribe and reclaiming them after they've sat empty past the grace
// period (§4.4 "rooms are created lazily ... and reclaimed after an empty
// grace period").
type Fabric struct {
	mu    sync.Mutex
	rooms map[string]*Room

	maxMsgs    int
	slowWindow time.Duration
	emptyGrace time.Duration
}

// NewFabric builds a Fabric with the given per-room queue bound, slow
// consumer window, and empty-room grace period.
func NewFabric(maxMsgs int, slowWindow, emptyGrace time.Duration) *Fabric {
	return &Fabric{
		rooms:      make(map[string]*Room),
		maxMsgs:    maxMsgs,
		slowWindow: slowWindow,
		emptyGrace: emptyGrace,
	}
}

// Room returns the named room, creating it if it doesn't exist yet.
func (f *Fabric) Room(name string) *Room {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rooms[name]
	if !ok {
		r = New(name, f.maxMsgs, f.slowWindow)
		f.rooms[name] = r
	}
	return r
}

// Publish delivers msg to the named room if it currently exists. Publishing
// to a room with no subscribers is a no-op rather than an implicit create.
func (f *Fabric) Publish(name string, msg Message) {
	f.mu.Lock()
	r, ok := f.rooms[name]
	f.mu.Unlock()
	if !ok {
		return
	}
	r.Publish(msg)
}

// StartReclaimSweep runs a background goroutine that periodically deletes
// rooms which have sat empty past the grace period.
func (f *Fabric) StartReclaimSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.reclaimEmpty()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (f *Fabric) reclaimEmpty() {
	f.mu.Lock()
	defer f.mu.Unlock()

	reclaimed := 0
	for name, r := range f.rooms {
		if idle, empty := r.EmptySince(); empty && idle >= f.emptyGrace {
			delete(f.rooms, name)
			reclaimed++
		}
	}
	if reclaimed > 0 {
		slog.Debug("room fabric reclaimed empty rooms", "count", reclaimed)
	}
}

// Len reports the number of currently tracked rooms.
func (f *Fabric) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}
