package internal

import (
	"hash/fnv"
	"sync"
)

const mutexShardCount = 32

// MutexByRoom is a set of mutexes keyed by room ID. It guarantees at
// most one concurrent critical section per room, which is the sole
// mechanism preventing two transactions (or a transaction and a local
// writer) from racing on the same room's state. The key space is
// sharded so that creating a mutex for a new room does not contend on
// a single global lock.
type MutexByRoom struct {
	shards [mutexShardCount]mutexShard
}

type mutexShard struct {
	mu       sync.Mutex // protects the map
	roomToMu map[string]*roomMutex
}

type roomMutex struct {
	mu   sync.Mutex
	refs int // guarded by the owning shard's mu
}

// RoomMutexGuard is an exclusive per-room critical-section token. It
// must be released exactly once via Unlock.
type RoomMutexGuard struct {
	parent *MutexByRoom
	roomID string
	once   sync.Once
}

func NewMutexByRoom() *MutexByRoom {
	m := &MutexByRoom{}
	for i := range m.shards {
		m.shards[i].roomToMu = make(map[string]*roomMutex)
	}
	return m
}

func (m *MutexByRoom) shardFor(roomID string) *mutexShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &m.shards[h.Sum32()%mutexShardCount]
}

// Lock blocks until the caller holds the room's mutex exclusively and
// returns a guard that releases it. Mutexes are created lazily and
// removed again once the last holder releases, so the table only
// grows with the number of rooms under concurrent write.
func (m *MutexByRoom) Lock(roomID string) *RoomMutexGuard {
	shard := m.shardFor(roomID)
	shard.mu.Lock()
	rmu := shard.roomToMu[roomID]
	if rmu == nil {
		rmu = &roomMutex{}
		shard.roomToMu[roomID] = rmu
	}
	rmu.refs++
	shard.mu.Unlock()
	// don't lock inside shard.mu else we can deadlock
	rmu.mu.Lock()
	return &RoomMutexGuard{parent: m, roomID: roomID}
}

// Unlock releases the guard. Releasing more than once is a no-op.
func (g *RoomMutexGuard) Unlock() {
	g.once.Do(func() {
		g.parent.unlock(g.roomID)
	})
}

func (m *MutexByRoom) unlock(roomID string) {
	shard := m.shardFor(roomID)
	shard.mu.Lock()
	rmu := shard.roomToMu[roomID]
	if rmu == nil {
		panic("MutexByRoom: Unlock before Lock")
	}
	rmu.refs--
	if rmu.refs == 0 {
		delete(shard.roomToMu, roomID)
	}
	shard.mu.Unlock()

	rmu.mu.Unlock()
}
