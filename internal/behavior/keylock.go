package behavior

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// keyLock serializes work per key over a fixed set of mutexes. Distinct
// keys may share a stripe.
type keyLock struct {
	stripes []sync.Mutex
}

func newKeyLock(n int) *keyLock {
	if n <= 0 {
		n = 1
	}
	return &keyLock{stripes: make([]sync.Mutex, n)}
}

// lock acquires the stripe for key and returns its unlock func.
func (k *keyLock) lock(key string) func() {
	mu := &k.stripes[xxhash.Sum64String(key)%uint64(len(k.stripes))]
	mu.Lock()
	return mu.Unlock
}

func profileKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}
