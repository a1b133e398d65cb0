package tub

import (
	"log/slog"
	"sync"

	"github.com/raskyld/tub/pkg/future"
)

// RemoteReference is a handle on an object living on another Tub, held over
// one [Broker].
//
// Imports of the same remote object over the same broker collapse to a
// single *RemoteReference, so pointer equality tells whether two arguments
// designate the same object. The handle counts its holders: every decoded
// occurrence adds one, [RemoteReference.Release] drops one and the exporter
// is told to forget the object once nobody holds it anymore.
type RemoteReference struct {
	broker *Broker
	refID  uint64
	url    URL

	// guarded by lk, which is a leaf lock: holders of a broker lock may take
	// it, never the other way around.
	lk       sync.Mutex
	holders  int
	received uint64
	released bool
}

// Invoke calls method on the remote object. The returned future resolves
// with the decoded answer, or rejects with a [*RemoteError] when the peer
// reports a failure and with [ErrConnectionLost] when the broker goes away.
//
// Calls made on the same reference are dispatched remotely in the order
// Invoke was called.
func (ref *RemoteReference) Invoke(method string, args ...any) *future.Future[any] {
	if ref.isReleased() {
		return future.Failed[any](ErrReferenceReleased)
	}
	return ref.broker.invoke(ref.refID, method, args, true)
}

// InvokeOnly is [RemoteReference.Invoke] without an answer: the peer never
// replies, failures are only visible in its logs. The returned error tells
// whether the call could be queued.
func (ref *RemoteReference) InvokeOnly(method string, args ...any) error {
	if ref.isReleased() {
		return ErrReferenceReleased
	}
	_, err, _ := ref.broker.invoke(ref.refID, method, args, false).Peek()
	return err
}

// Retain adds a holder, each Retain must be balanced by a Release.
func (ref *RemoteReference) Retain() error {
	ref.lk.Lock()
	defer ref.lk.Unlock()
	if ref.released {
		return ErrReferenceReleased
	}
	ref.holders++
	return nil
}

// Release drops a holder. When the last one is gone the handle becomes
// unusable and the exporter is notified.
func (ref *RemoteReference) Release() {
	ref.lk.Lock()
	if ref.released || ref.holders == 0 {
		ref.lk.Unlock()
		return
	}
	ref.holders--
	last := ref.holders == 0
	ref.lk.Unlock()

	if last {
		ref.broker.dropImport(ref)
	}
}

// TubID is the identity of the Tub hosting the object.
func (ref *RemoteReference) TubID() TubID {
	return ref.url.TubID
}

// URL addresses the object, it can be shared out of band.
func (ref *RemoteReference) URL() URL {
	return ref.url
}

// Broker is the connection carrying the reference.
func (ref *RemoteReference) Broker() *Broker {
	return ref.broker
}

// Done is closed when the connection carrying the reference is lost, from
// then on every invocation fails with [ErrConnectionLost].
func (ref *RemoteReference) Done() <-chan struct{} {
	return ref.broker.Done()
}

// Err returns why the reference died, or nil while it is alive.
func (ref *RemoteReference) Err() error {
	return ref.broker.Err()
}

// Alive reports whether the reference can still be invoked.
func (ref *RemoteReference) Alive() bool {
	return !ref.isReleased() && ref.broker.Err() == nil
}

func (ref *RemoteReference) String() string {
	return "RemoteReference(" + string(ref.url.TubID) + ")"
}

func (ref *RemoteReference) LogValue() slog.Value {
	return slog.GroupValue(
		LabelRefID.L(ref.refID),
		LabelTubID.L(ref.url.TubID),
	)
}

func (ref *RemoteReference) isReleased() bool {
	ref.lk.Lock()
	defer ref.lk.Unlock()
	return ref.released
}

// hold registers one more received occurrence of the reference. It fails
// when the handle has already been dropped and a new one must be made.
//
// The caller holds the broker lock.
func (ref *RemoteReference) hold() bool {
	ref.lk.Lock()
	defer ref.lk.Unlock()
	if ref.released {
		return false
	}
	ref.holders++
	ref.received++
	return true
}
