package service

import (
	"sync"
	"time"
)

// keyedMutex serializes finalization per (account, period) key inside one
// process. The database's unique invoice index is the cross-process guard;
// this lock just keeps local contenders from burning a round trip on it.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: map[string]chan struct{}{}}
}

func (k *keyedMutex) slot(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot, ok := k.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		k.slots[key] = slot
	}
	return slot
}

// tryLock acquires the key's slot, waiting at most timeout.
func (k *keyedMutex) tryLock(key string, timeout time.Duration) bool {
	slot := k.slot(key)
	select {
	case slot <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case slot <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (k *keyedMutex) unlock(key string) {
	<-k.slot(key)
}
