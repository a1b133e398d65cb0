package tub

import (
	"crypto/rand"
	"sync"

	"github.com/mr-tron/base58"
)

// capabilityBytes is the entropy of a CapabilityID.
const capabilityBytes = 20

// CapabilityID is an unguessable name for an object a Tub exposes.
type CapabilityID string

func newCapabilityID() CapabilityID {
	buf := make([]byte, capabilityBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return CapabilityID(base58.Encode(buf))
}

// Registry maps capabilities to the local objects they designate.
//
// An entry lives as long as it is explicitly exposed or pinned by an export
// on some connection (which is what keeps in-flight gifts resolvable).
// [Registry.Withdraw] revokes an entry regardless of its pins.
type Registry struct {
	lk      sync.Mutex
	entries map[CapabilityID]*registryEntry
	// byObj remembers one entry per object so exports reuse it.
	byObj  map[Referenceable]CapabilityID
	closed bool
}

type registryEntry struct {
	obj      Referenceable
	explicit bool
	pins     int
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[CapabilityID]*registryEntry),
		byObj:   make(map[Referenceable]CapabilityID),
	}
}

// Expose allocates a fresh capability for obj. Exposing the same object
// twice yields two independent capabilities.
func (reg *Registry) Expose(obj Referenceable) CapabilityID {
	reg.lk.Lock()
	defer reg.lk.Unlock()

	id := newCapabilityID()
	if reg.closed {
		// the id is never resolvable.
		return id
	}
	reg.entries[id] = &registryEntry{obj: obj, explicit: true}
	if _, has := reg.byObj[obj]; !has {
		reg.byObj[obj] = id
	}
	return id
}

// Lookup resolves id, it fails with [ErrUnknownCapability] when id was
// never exposed or has been withdrawn.
func (reg *Registry) Lookup(id CapabilityID) (Referenceable, error) {
	reg.lk.Lock()
	defer reg.lk.Unlock()

	entry, has := reg.entries[id]
	if !has {
		return nil, ErrUnknownCapability
	}
	return entry.obj, nil
}

// Withdraw revokes id. References already resolved elsewhere keep working,
// only new lookups fail.
func (reg *Registry) Withdraw(id CapabilityID) {
	reg.lk.Lock()
	defer reg.lk.Unlock()

	entry, has := reg.entries[id]
	if !has {
		return
	}
	delete(reg.entries, id)
	if reg.byObj[entry.obj] == id {
		delete(reg.byObj, entry.obj)
	}
}

// Len is the number of resolvable capabilities.
func (reg *Registry) Len() int {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	return len(reg.entries)
}

// pin returns a capability for obj, creating an implicit one if needed, and
// keeps it resolvable until the matching unpin.
func (reg *Registry) pin(obj Referenceable) CapabilityID {
	reg.lk.Lock()
	defer reg.lk.Unlock()

	if reg.closed {
		return ""
	}

	if id, has := reg.byObj[obj]; has {
		reg.entries[id].pins++
		return id
	}

	id := newCapabilityID()
	reg.entries[id] = &registryEntry{obj: obj, pins: 1}
	reg.byObj[obj] = id
	return id
}

func (reg *Registry) unpin(id CapabilityID) {
	reg.lk.Lock()
	defer reg.lk.Unlock()

	entry, has := reg.entries[id]
	if !has {
		return
	}
	entry.pins--
	if entry.pins <= 0 && !entry.explicit {
		delete(reg.entries, id)
		if reg.byObj[entry.obj] == id {
			delete(reg.byObj, entry.obj)
		}
	}
}

// close invalidates every capability, used when the Tub stops.
func (reg *Registry) close() {
	reg.lk.Lock()
	defer reg.lk.Unlock()

	reg.closed = true
	clear(reg.entries)
	clear(reg.byObj)
}
