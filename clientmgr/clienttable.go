package clientmgr

import "sync"

// clientTable is the mapping from 16-bit ID to Client plus the disjoint
// set of reserved-but-not-yet-populated IDs (spec.md §3). An ID is in at
// most one of {populated, reserved, free}.
//
// Lock ordering (spec.md §5 "Shared resources"): idLock is always taken
// before clientsLock, never the reverse. allocateID takes idLock for the
// whole probe and takes clientsLock only to consult population, honoring
// that order.
type clientTable struct {
	idLock        sync.Mutex
	reserved      map[uint16]struct{}
	lastAllocated uint16

	clientsLock sync.RWMutex
	clients     map[uint16]*Client
}

func newClientTable() *clientTable {
	return &clientTable{
		reserved: make(map[uint16]struct{}),
		clients:  make(map[uint16]*Client),
	}
}

// allocateID performs the linear probe of spec.md §4.4 "ID allocation":
// starting at (lastAllocated+1) mod 2^16, find a candidate absent from
// both the populated table and the reserved set. If the probe returns to
// lastAllocated without finding a free slot, report exhaustion.
func (t *clientTable) allocateID() (uint16, bool) {
	t.idLock.Lock()
	defer t.idLock.Unlock()

	start := t.lastAllocated + 1
	candidate := start
	for {
		if _, reserved := t.reserved[candidate]; !reserved {
			t.clientsLock.RLock()
			_, populated := t.clients[candidate]
			t.clientsLock.RUnlock()
			if !populated {
				t.reserved[candidate] = struct{}{}
				t.lastAllocated = candidate
				return candidate, true
			}
		}
		candidate++
		if candidate == t.lastAllocated {
			// The probe wrapped back to lastAllocated with no free slot
			// found.
			return 0, false
		}
	}
}

// releaseReservation removes id from the reserved set without populating
// it, used when admission fails after the ID was reserved but before the
// Client was published.
func (t *clientTable) releaseReservation(id uint16) {
	t.idLock.Lock()
	delete(t.reserved, id)
	t.idLock.Unlock()
}

// publish moves id from reserved to populated, binding it to client. Must
// be called with the ID previously reserved via allocateID.
func (t *clientTable) publish(id uint16, client *Client) {
	t.idLock.Lock()
	delete(t.reserved, id)
	t.idLock.Unlock()

	t.clientsLock.Lock()
	t.clients[id] = client
	t.clientsLock.Unlock()
}

// remove deletes id from both the populated table and the reserved set,
// reporting whether it was present in either (spec.md §4.4 "Disconnection"
// step 1: absent from both means a disconnect raced a disconnect).
func (t *clientTable) remove(id uint16) bool {
	t.clientsLock.Lock()
	_, wasPopulated := t.clients[id]
	delete(t.clients, id)
	t.clientsLock.Unlock()

	t.idLock.Lock()
	_, wasReserved := t.reserved[id]
	delete(t.reserved, id)
	t.idLock.Unlock()

	return wasPopulated || wasReserved
}

// get returns the populated Client for id, if any.
func (t *clientTable) get(id uint16) (*Client, bool) {
	t.clientsLock.RLock()
	defer t.clientsLock.RUnlock()
	c, ok := t.clients[id]
	return c, ok
}

// populatedCount returns |populated|, which must equal the
// clients_connected gauge after every table mutation (spec.md §3, §8
// property 5).
func (t *clientTable) populatedCount() int {
	t.clientsLock.RLock()
	defer t.clientsLock.RUnlock()
	return len(t.clients)
}
