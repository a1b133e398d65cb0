package tub

import (
	"fmt"

	"github.com/raskyld/tub/pkg/wire"
)

// giftTarget identifies the object a gift introduces.
type giftTarget struct {
	tub        TubID
	capability CapabilityID
}

// giftEntry keeps a third party object reachable while the peer resolves
// the gift tokens naming it.
type giftEntry struct {
	ref *RemoteReference
	url URL
	// tokens sent and not yet released by the peer.
	count uint64
}

// encodeGift introduces ref, which lives neither here nor on the peer. The
// entry takes a holder on ref so the third party keeps the object alive
// until the peer has its own reference. Gifts of the same target share one
// entry.
func (enc *encoder) encodeGift(ref *RemoteReference) (wire.RefToken, error) {
	b := enc.b
	key := giftTarget{tub: ref.url.TubID, capability: ref.url.Capability}

	id, has := b.giftsByTarget[key]
	if has {
		b.gifts[id].count++
	} else {
		if ref.url.IsZero() {
			return wire.RefToken{}, fmt.Errorf("%w: reference has no url", ErrNotReference)
		}
		if err := ref.Retain(); err != nil {
			return wire.RefToken{}, err
		}
		b.nextGiftID++
		id = b.nextGiftID
		b.gifts[id] = &giftEntry{ref: ref, url: ref.url, count: 1}
		b.giftsByTarget[key] = id
	}

	enc.undo = append(enc.undo, func() {
		if ref := b.releaseGift(id, 1); ref != nil {
			enc.release = append(enc.release, ref)
		}
	})

	b.tub.msink.IncrCounterWithLabels(MetricBrokerGiftOutCount, 1.0, b.mLabels)
	return wire.RefToken{
		Kind: wire.TheirReference,
		ID:   id,
		URL:  ref.url.String(),
	}, nil
}

// releaseGift subtracts n tokens from a gift. When the entry goes away the
// reference it held is returned, the caller releases it once b.lk is free.
//
// The caller holds b.lk.
func (b *Broker) releaseGift(id uint64, n uint64) *RemoteReference {
	entry, has := b.gifts[id]
	if !has {
		return nil
	}
	if n < entry.count {
		entry.count -= n
		return nil
	}
	delete(b.gifts, id)
	delete(b.giftsByTarget, giftTarget{tub: entry.url.TubID, capability: entry.url.Capability})
	return entry.ref
}

func (b *Broker) handleDecGift(msg *wire.Message) {
	b.lk.Lock()
	_, has := b.gifts[msg.GiftID]
	ref := b.releaseGift(msg.GiftID, msg.Count)
	b.lk.Unlock()

	if !has {
		// may race with a gift discarded by a previous connection loss.
		b.logger.Warn(
			"decgift for an unknown gift",
			LabelGiftID.L(msg.GiftID),
			LabelError.L(ErrUnknownGift),
		)
		b.tub.msink.IncrCounterWithLabels(MetricBrokerGiftUnknownCount, 1.0, b.mLabels)
		return
	}

	b.tub.msink.IncrCounterWithLabels(MetricBrokerGiftReleasedCount, 1.0, b.mLabels)
	if ref != nil {
		ref.Release()
	}
}

// discardGifts empties the gift tables and returns the references they
// held. The caller holds b.lk.
func (b *Broker) discardGifts() []*RemoteReference {
	refs := make([]*RemoteReference, 0, len(b.gifts))
	for _, entry := range b.gifts {
		refs = append(refs, entry.ref)
	}
	clear(b.gifts)
	clear(b.giftsByTarget)
	return refs
}

// acceptGift resolves a gift token by connecting to the third party
// directly. It runs off the receive loop since it may dial.
func (dec *decoder) acceptGift(tok wire.RefToken) (any, error) {
	dec.gifts = append(dec.gifts, tok.ID)
	if dec.discard {
		return nil, nil
	}

	b := dec.b
	u, err := ParseURL(tok.URL)
	if err == nil {
		var v any
		v, err = b.tub.resolve(dec.ctx, u)
		if err == nil {
			if ref, ok := v.(*RemoteReference); ok {
				dec.held = append(dec.held, ref)
			}
			return v, nil
		}
	}

	b.tub.msink.IncrCounterWithLabels(MetricBrokerGiftResolveErrors, 1.0, b.mLabels)
	b.logger.Warn(
		"failed to resolve gift",
		LabelGiftID.L(tok.ID),
		LabelURL.L(u),
		LabelError.L(err),
	)
	return nil, fmt.Errorf("%w: %w", ErrGiftResolutionFailed, err)
}

// releaseGiftOnPeer tells the introducer it can forget gift id.
func (b *Broker) releaseGiftOnPeer(id uint64) {
	b.lk.Lock()
	defer b.lk.Unlock()
	if b.closed {
		return
	}
	b.send(&wire.Message{
		Kind:   wire.KindDecGift,
		GiftID: id,
		Count:  1,
	})
}

func (b *Broker) giftCount() int {
	b.lk.Lock()
	defer b.lk.Unlock()
	return len(b.gifts)
}
