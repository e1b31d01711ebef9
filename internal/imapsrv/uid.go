package imapsrv

import (
	"sync"
	"time"
)

// uidRegistry hands out stable UIDs per remote folder. A message id keeps
// its UID for the process lifetime, across sessions and re-SELECTs, which is
// what mail clients rely on for cache coherence. UIDVALIDITY is the
// registry's creation time, so a proxy restart invalidates client caches
// instead of serving them stale UIDs.
type uidRegistry struct {
	mu      sync.Mutex
	folders map[string]*folderUIDs
}

type folderUIDs struct {
	validity uint32
	next     uint32
	byID     map[string]uint32
}

func newUIDRegistry() *uidRegistry {
	return &uidRegistry{folders: make(map[string]*folderUIDs)}
}

func (r *uidRegistry) folder(remote string) *folderUIDs {
	f, ok := r.folders[remote]
	if !ok {
		f = &folderUIDs{
			validity: uint32(time.Now().Unix()),
			next:     1,
			byID:     make(map[string]uint32),
		}
		r.folders[remote] = f
	}
	return f
}

// assign returns the UID for a message id, allocating the next one on first
// sight.
func (r *uidRegistry) assign(remote, messageID string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.folder(remote)
	if uid, ok := f.byID[messageID]; ok {
		return uid
	}
	uid := f.next
	f.next++
	f.byID[messageID] = uid
	return uid
}

// info returns the folder's UIDVALIDITY and UIDNEXT.
func (r *uidRegistry) info(remote string) (validity, next uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.folder(remote)
	return f.validity, f.next
}
