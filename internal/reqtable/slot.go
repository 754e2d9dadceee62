package reqtable

import (
	"fmt"

	"github.com/radsecproxy/radsecproxy/internal/peers"
	"github.com/radsecproxy/radsecproxy/internal/radiuscrypto"
	"github.com/radsecproxy/radsecproxy/internal/radiuspkt"
)

// Dup reports whether a slot already holds an outstanding request from
// the same (origin client, orig_id) pair, implementing duplicate
// suppression on ingest. Acquires the upstream's lock.
func (u *Upstream) Dup(origClient *peers.Client, origID byte) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, r := range u.slots {
		if r == nil {
			continue
		}
		if r.OrigClient == origClient && r.OrigID == origID {
			return true
		}
	}
	return false
}

// Occupied returns the number of slots currently holding an outstanding
// request, for tests and callers outside this package that need the
// table depth without reaching into its internals.
func (u *Upstream) Occupied() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.occupied()
}

// Find returns the outstanding request keyed by (origClient, origID), if
// any. Like Dup, it is a read-only lookup used by callers that need to
// inspect a forwarded request's on-wire buffer.
func (u *Upstream) Find(origClient *peers.Client, origID byte) (*Request, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, r := range u.slots {
		if r != nil && r.OrigClient == origClient && r.OrigID == origID {
			return r, true
		}
	}
	return nil, false
}

// ErrTableFull is returned by Sendrq when no free slot exists.
var ErrTableFull = fmt.Errorf("reqtable: no free slot")

// Sendrq allocates a slot for r: scans [next_id, 256) then [0, next_id)
// for an empty slot, patches the assigned ID into byte 1 of r.Buf,
// recomputes Message-Authenticator if present, stores the request,
// advances next_id, and wakes the writer task.
func (u *Upstream) Sendrq(r *Request) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	idx := -1
	for off := 0; off < numSlots; off++ {
		i := (u.nextID + off) % numSlots
		if u.slots[i] == nil {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrTableFull
	}

	r.Buf[radiuspkt.OffsetIdentifier] = byte(idx)

	pkt := radiuspkt.New(r.Buf)
	end := pkt.Length()
	if ma, ok := radiuspkt.Find(r.Buf, end, radiuspkt.AttrMessageAuthenticator); ok {
		mac := radiuscrypto.MessageAuthenticator(r.Buf[:end], ma.Off, ma.Len, u.Secret)
		copy(r.Buf[ma.Off:ma.Off+ma.Len], mac[:])
	}

	u.slots[idx] = r
	u.nextID = (idx + 1) % numSlots
	u.newRequest = true
	u.cond.Signal()

	if u.metrics != nil {
		u.metrics.SetTableOccupancy(u.Server.Name, u.occupied())
	}
	return nil
}

// occupied counts non-nil slots. Caller must hold u.mu.
func (u *Upstream) occupied() int {
	n := 0
	for _, r := range u.slots {
		if r != nil {
			n++
		}
	}
	return n
}
