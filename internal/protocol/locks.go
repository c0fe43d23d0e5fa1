package protocol

import (
	"sync"
	"time"
)

type lockInfo struct {
	equipmentNo string
	expires     time.Time
}

// syncLocks serializes sync windows per user. A device acquiring the lock
// blocks other devices of the same user until it releases or the TTL
// expires; re-acquiring from the same device extends the window. A crashed
// device therefore stalls its siblings for at most one TTL.
type syncLocks struct {
	mu   sync.Mutex
	ttl  time.Duration
	held map[int64]lockInfo
	now  func() time.Time
}

func newSyncLocks(ttl time.Duration) *syncLocks {
	return &syncLocks{ttl: ttl, held: make(map[int64]lockInfo), now: time.Now}
}

// acquire takes or extends the user's sync lock for equipmentNo.
// Returns the expiry on success, ErrSyncBusy when another device holds it.
func (l *syncLocks) acquire(userID int64, equipmentNo string) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if info, ok := l.held[userID]; ok && info.equipmentNo != equipmentNo && now.Before(info.expires) {
		return time.Time{}, ErrSyncBusy
	}
	expires := now.Add(l.ttl)
	l.held[userID] = lockInfo{equipmentNo: equipmentNo, expires: expires}
	return expires, nil
}

// release drops the user's sync lock if equipmentNo holds it.
func (l *syncLocks) release(userID int64, equipmentNo string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if info, ok := l.held[userID]; ok && info.equipmentNo == equipmentNo {
		delete(l.held, userID)
	}
}

// heldCount returns the number of unexpired locks.
func (l *syncLocks) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for _, info := range l.held {
		if now.Before(info.expires) {
			n++
		}
	}
	return n
}
