package tub

import (
	"context"
	"fmt"

	"github.com/raskyld/tub/pkg/wire"
)

// encoder turns references found in outgoing values into tokens. It runs
// with the broker lock held, so tables it touches are updated in the same
// critical section as the frame carrying the tokens is queued.
//
// Every registration is recorded so a value failing halfway through leaves
// no trace in the tables.
type encoder struct {
	b       *Broker
	undo    []func()
	release []*RemoteReference
}

var _ wire.RefEncoder = (*encoder)(nil)

func (b *Broker) newEncoder() *encoder {
	return &encoder{b: b}
}

func (enc *encoder) EncodeRef(v any) (wire.RefToken, bool, error) {
	switch v := v.(type) {
	case *RemoteReference:
		if v == nil {
			return wire.RefToken{}, false, nil
		}
		tok, err := enc.encodeRemote(v)
		return tok, true, err
	case Referenceable:
		return enc.encodeLocal(v), true, nil
	}
	return wire.RefToken{}, false, nil
}

// encodeLocal exports one of our objects to the peer.
func (enc *encoder) encodeLocal(obj Referenceable) wire.RefToken {
	b := enc.b

	id, has := b.exportsByObj[obj]
	exp := b.exports[id]
	if !has {
		b.nextRefID++
		id = b.nextRefID
		exp = &export{
			obj:   obj,
			capID: b.tub.registry.pin(obj),
		}
		b.exports[id] = exp
		b.exportsByObj[obj] = id
	}
	exp.count++
	enc.undo = append(enc.undo, func() {
		b.unexport(id, 1)
	})

	return wire.RefToken{
		Kind: wire.MyReference,
		ID:   id,
		URL:  b.tub.urlFor(exp.capID).String(),
	}
}

// encodeRemote picks how a reference held by this process travels to the
// peer, depending on where its target lives.
func (enc *encoder) encodeRemote(ref *RemoteReference) (wire.RefToken, error) {
	b := enc.b

	switch {
	case ref.broker == b:
		if ref.isReleased() {
			return wire.RefToken{}, ErrReferenceReleased
		}
		return wire.RefToken{Kind: wire.YourReference, ID: ref.refID}, nil

	case ref.url.TubID == b.peer:
		// imported over another connection to the same peer.
		return wire.RefToken{Kind: wire.YourReference, URL: ref.url.String()}, nil

	case ref.url.TubID == b.tub.id:
		obj, err := b.tub.registry.Lookup(ref.url.Capability)
		if err != nil {
			return wire.RefToken{}, err
		}
		return enc.encodeLocal(obj), nil

	default:
		return enc.encodeGift(ref)
	}
}

// commit keeps every registration.
func (enc *encoder) commit() {
	enc.undo = nil
}

// rollback cancels registrations in reverse order. The caller still holds
// the broker lock and must call flush once it released it.
func (enc *encoder) rollback() {
	for i := len(enc.undo) - 1; i >= 0; i-- {
		enc.undo[i]()
	}
	enc.undo = nil
}

// flush releases references dropped by rollback.
func (enc *encoder) flush() {
	for _, ref := range enc.release {
		ref.Release()
	}
	enc.release = nil
}

// decoder turns tokens found in incoming values back into references.
//
// With discard set, it only collects what must be released: gifts are not
// resolved and no connection is opened.
type decoder struct {
	b       *Broker
	ctx     context.Context
	discard bool

	held  []*RemoteReference
	gifts []uint64
}

var _ wire.RefDecoder = (*decoder)(nil)

func (b *Broker) newDecoder(ctx context.Context, discard bool) *decoder {
	return &decoder{
		b:       b,
		ctx:     ctx,
		discard: discard,
	}
}

func (dec *decoder) DecodeRef(tok wire.RefToken) (any, error) {
	switch tok.Kind {
	case wire.MyReference:
		return dec.importRef(tok)
	case wire.YourReference:
		if dec.discard {
			return nil, nil
		}
		return dec.b.localRef(tok)
	case wire.TheirReference:
		return dec.acceptGift(tok)
	}
	return nil, fmt.Errorf("%w: unknown reference kind %d", ErrProtocolViolation, tok.Kind)
}

func (dec *decoder) importRef(tok wire.RefToken) (any, error) {
	u, err := ParseURL(tok.URL)
	if err == nil && u.TubID != dec.b.peer {
		err = fmt.Errorf("peer %s exported an object of %s", dec.b.peer, u.TubID)
	}
	if err != nil {
		u = URL{TubID: dec.b.peer}
	}

	// registered even when invalid so finish sends the matching decref.
	ref := dec.b.importRef(tok.ID, u)
	dec.held = append(dec.held, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return ref, nil
}

// finish sends a decgift for every gift token met, resolved or not, and
// drops the references taken when the value is not handed to anybody.
func (dec *decoder) finish(failed bool) {
	for _, id := range dec.gifts {
		dec.b.releaseGiftOnPeer(id)
	}
	if failed {
		for _, ref := range dec.held {
			ref.Release()
		}
	}
	dec.held = nil
	dec.gifts = nil
}

// localRef resolves a token naming one of our own objects.
func (b *Broker) localRef(tok wire.RefToken) (any, error) {
	if tok.ID != 0 {
		b.lk.Lock()
		defer b.lk.Unlock()
		exp, has := b.exports[tok.ID]
		if !has {
			return nil, fmt.Errorf("%w: no reference %d", ErrUnknownCapability, tok.ID)
		}
		return exp.obj, nil
	}

	u, err := ParseURL(tok.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if u.TubID != b.tub.id {
		return nil, fmt.Errorf("%w: reference to %s sent as ours", ErrProtocolViolation, u.TubID)
	}
	return b.tub.registry.Lookup(u.Capability)
}
