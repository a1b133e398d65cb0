package tub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/raskyld/tub/pkg/future"
	"github.com/raskyld/tub/pkg/wire"
)

// rootRefID designates the root object of a Tub on every connection. It
// answers "lookup" with a reference to the object exposed under a
// capability.
const rootRefID uint64 = 0

type pendingCall struct {
	promise *future.Promise[any]
	method  string
	start   time.Time
}

// export is a local object the peer holds a reference to.
type export struct {
	obj   Referenceable
	capID CapabilityID
	// number of tokens sent and not yet released by the peer.
	count uint64
}

// Broker is one end of a connection between two Tubs. It owns every table
// scoped to that connection: calls waiting for an answer, objects exported
// to the peer, references imported from it and gifts introduced to it.
//
// A Broker runs three goroutines: a sender draining an unbounded queue, a
// receiver handling replies and release messages inline, and a delivery
// loop dispatching incoming calls one at a time in arrival order.
type Broker struct {
	tub      *Tub
	peer     TubID
	session  string
	conn     io.ReadWriteCloser
	logger   *slog.Logger
	mLabels  []metrics.Label
	maxFrame int

	sender   *wire.Sender
	receiver *wire.Receiver
	inbox    *wire.Queue[*wire.Message]

	// only touched by the receive loop.
	greeted bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// lk guards everything below. It is never held while blocking on I/O
	// nor while taking the lock of another Broker.
	lk     sync.Mutex
	closed bool
	err    error

	nextCallID uint64
	pending    map[uint64]*pendingCall

	nextRefID    uint64
	exports      map[uint64]*export
	exportsByObj map[Referenceable]uint64
	imports      map[uint64]*RemoteReference

	nextGiftID    uint64
	gifts         map[uint64]*giftEntry
	giftsByTarget map[giftTarget]uint64
}

func newBroker(t *Tub, conn io.ReadWriteCloser, peer TubID) *Broker {
	session := uuid.NewString()
	ctx, cancel := context.WithCancelCause(context.Background())

	maxFrame := t.config.maxFrameSize
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrameSize
	}

	b := &Broker{
		tub:     t,
		peer:    peer,
		session: session,
		conn:    conn,
		logger: t.logger.With(
			LabelBroker.L(session),
			LabelPeerID.L(peer),
		),
		// clipped, so per-call labels appended to it never share memory.
		mLabels:       slices.Clip(append(t.metricLabels(), LabelPeerID.M(string(peer)))),
		maxFrame:      maxFrame,
		sender:        wire.NewSender(conn),
		receiver:      wire.NewReceiver(conn, maxFrame),
		inbox:         wire.NewQueue[*wire.Message](),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		pending:       make(map[uint64]*pendingCall),
		exports:       make(map[uint64]*export),
		exportsByObj:  make(map[Referenceable]uint64),
		imports:       make(map[uint64]*RemoteReference),
		gifts:         make(map[uint64]*giftEntry),
		giftsByTarget: make(map[giftTarget]uint64),
	}

	b.sender.OnWrite = func(n int) {
		t.msink.IncrCounterWithLabels(MetricTubFrameOutBytes, float32(n), b.mLabels)
	}
	b.receiver.OnRead = func(n int) {
		t.msink.IncrCounterWithLabels(MetricTubFrameInBytes, float32(n), b.mLabels)
	}

	// hello is always the first frame on the stream.
	b.lk.Lock()
	b.send(&wire.Message{Kind: wire.KindHello, Version: wire.ProtocolVersion})
	b.lk.Unlock()
	return b
}

func (b *Broker) start() {
	g, ctx := errgroup.WithContext(b.ctx)
	g.Go(func() error {
		return b.stopOn(b.sender.Run(ctx))
	})
	g.Go(func() error {
		return b.stopOn(b.receiver.Run(ctx, b.handle))
	})
	g.Go(func() error {
		return b.stopOn(b.deliver(ctx))
	})

	b.tub.wg.Add(1)
	go func() {
		defer b.tub.wg.Done()
		err := g.Wait()
		b.logger.Debug("broker tasks terminated", LabelError.L(err))
	}()
}

func (b *Broker) stopOn(err error) error {
	b.shutdown(err)
	return err
}

// PeerID is the identity of the remote Tub.
func (b *Broker) PeerID() TubID {
	return b.peer
}

// Done is closed once the connection is lost.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Err returns nil while the connection is alive, then an error wrapping
// [ErrConnectionLost].
func (b *Broker) Err() error {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.err
}

// Close tears the connection down. Pending calls fail with
// [ErrConnectionLost].
func (b *Broker) Close() error {
	b.shutdown(nil)
	return nil
}

// send queues msg. The caller holds b.lk, which is what orders frames with
// the table updates they depend on.
//
// A frame the peer would refuse is not queued, the error wraps
// [ErrSerialization] so only the message at fault fails.
func (b *Broker) send(msg *wire.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		// only an unspecified kind fails, that's a bug.
		panic(err)
	}
	if len(payload) > b.maxFrame {
		return fmt.Errorf("%w: %w: %d bytes", ErrSerialization, wire.ErrTooLargeFrame, len(payload))
	}
	if err := b.sender.Send(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return nil
}

func (b *Broker) invoke(target uint64, method string, args []any, answer bool) *future.Future[any] {
	if args == nil {
		args = []any{}
	}

	b.lk.Lock()
	if b.closed {
		err := b.err
		b.lk.Unlock()
		return future.Failed[any](err)
	}

	enc := b.newEncoder()
	body, err := wire.Marshal(args, enc)
	if err != nil {
		enc.rollback()
		b.lk.Unlock()
		enc.flush()
		b.tub.msink.IncrCounterWithLabels(
			MetricBrokerCallErrorCount,
			1.0,
			append(b.mLabels, LabelError.M("serialization"), LabelMethod.M(method)),
		)
		return future.Failed[any](fmt.Errorf("%w: %w", ErrSerialization, err))
	}

	msg := &wire.Message{
		Kind:   wire.KindCall,
		Target: target,
		Method: method,
		Body:   body,
	}

	var promise *future.Promise[any]
	if answer {
		b.nextCallID++
		msg.CallID = b.nextCallID
		promise = future.NewPromise[any]()
		b.pending[msg.CallID] = &pendingCall{
			promise: promise,
			method:  method,
			start:   time.Now(),
		}
	}

	if err := b.send(msg); err != nil {
		delete(b.pending, msg.CallID)
		enc.rollback()
		b.lk.Unlock()
		enc.flush()
		if errors.Is(err, ErrSerialization) {
			b.tub.msink.IncrCounterWithLabels(
				MetricBrokerCallErrorCount,
				1.0,
				append(b.mLabels, LabelError.M("frame_size"), LabelMethod.M(method)),
			)
		}
		return future.Failed[any](err)
	}
	enc.commit()
	pending := len(b.pending)
	b.lk.Unlock()

	b.tub.msink.IncrCounterWithLabels(
		MetricBrokerCallOutCount,
		1.0,
		append(b.mLabels, LabelMethod.M(method)),
	)
	b.tub.msink.SetGaugeWithLabels(MetricBrokerPendingCalls, float32(pending), b.mLabels)

	if !answer {
		return future.Resolved[any](nil)
	}
	return promise.Future()
}

// handle runs on the receive loop for every inbound message.
func (b *Broker) handle(msg *wire.Message) error {
	if !b.greeted {
		if msg.Kind != wire.KindHello {
			return fmt.Errorf("%w: first message is %s, not hello", ErrProtocolViolation, msg.Kind)
		}
		if msg.Version != wire.ProtocolVersion {
			return fmt.Errorf("%w: unsupported protocol version %d", ErrProtocolViolation, msg.Version)
		}
		b.greeted = true
		return nil
	}

	switch msg.Kind {
	case wire.KindCall:
		if !b.inbox.Push(msg) {
			return ErrConnectionLost
		}
	case wire.KindAnswer, wire.KindError:
		b.handleReply(msg)
	case wire.KindDecRef:
		b.handleDecRef(msg)
	case wire.KindDecGift:
		b.handleDecGift(msg)
	default:
		return fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, msg.Kind)
	}
	return nil
}

func (b *Broker) handleReply(msg *wire.Message) {
	b.lk.Lock()
	call, has := b.pending[msg.CallID]
	delete(b.pending, msg.CallID)
	pending := len(b.pending)
	b.lk.Unlock()

	if !has {
		b.logger.Warn(
			"dropping reply",
			LabelCallID.L(msg.CallID),
			LabelError.L(ErrStrayReply),
		)
		b.tub.msink.IncrCounterWithLabels(MetricBrokerStrayReplyCount, 1.0, b.mLabels)
		return
	}
	b.tub.msink.SetGaugeWithLabels(MetricBrokerPendingCalls, float32(pending), b.mLabels)

	if msg.Kind == wire.KindError {
		call.promise.Reject(&RemoteError{
			Kind:    msg.ErrKind,
			Message: msg.ErrMessage,
		})
		return
	}

	// decoding may have to dial a third party, so it must not hold back the
	// receive loop.
	go b.settle(call, msg.Body)
}

func (b *Broker) settle(call *pendingCall, body []byte) {
	dec := b.newDecoder(b.ctx, false)
	val, err := wire.Unmarshal(body, dec)
	dec.finish(err != nil)
	if err != nil {
		if !errors.Is(err, ErrGiftResolutionFailed) {
			err = fmt.Errorf("%w: %w", ErrSerialization, err)
		}
		call.promise.Reject(err)
		return
	}

	b.logger.Debug(
		"call answered",
		LabelMethod.L(call.method),
		LabelDuration.L(time.Since(call.start)),
	)
	call.promise.Resolve(val)
}

func (b *Broker) handleDecRef(msg *wire.Message) {
	b.tub.msink.IncrCounterWithLabels(MetricBrokerDecRefCount, 1.0, b.mLabels)

	b.lk.Lock()
	defer b.lk.Unlock()
	if !b.unexport(msg.Target, msg.Count) {
		b.logger.Warn("decref for an unknown reference", LabelRefID.L(msg.Target))
	}
}

// unexport subtracts n tokens from an export, dropping it once none is
// left. The caller holds b.lk.
func (b *Broker) unexport(id uint64, n uint64) bool {
	exp, has := b.exports[id]
	if !has {
		return false
	}
	if n < exp.count {
		exp.count -= n
		return true
	}
	delete(b.exports, id)
	delete(b.exportsByObj, exp.obj)
	b.tub.registry.unpin(exp.capID)
	return true
}

// importRef records one more occurrence of a reference exported by the
// peer and returns the shared handle for it.
func (b *Broker) importRef(id uint64, u URL) *RemoteReference {
	b.lk.Lock()
	defer b.lk.Unlock()

	if ref, has := b.imports[id]; has && ref.hold() {
		return ref
	}

	ref := &RemoteReference{
		broker:   b,
		refID:    id,
		url:      u,
		holders:  1,
		received: 1,
	}
	b.imports[id] = ref
	return ref
}

// dropImport forgets ref once its last holder is gone and tells the peer
// how many tokens it can release.
func (b *Broker) dropImport(ref *RemoteReference) {
	b.lk.Lock()
	defer b.lk.Unlock()

	ref.lk.Lock()
	if ref.holders > 0 || ref.released {
		// imported again in the meantime.
		ref.lk.Unlock()
		return
	}
	ref.released = true
	count := ref.received
	ref.received = 0
	ref.lk.Unlock()

	if b.imports[ref.refID] == ref {
		delete(b.imports, ref.refID)
	}
	if b.closed || count == 0 {
		return
	}
	b.send(&wire.Message{
		Kind:   wire.KindDecRef,
		Target: ref.refID,
		Count:  count,
	})
}

func (b *Broker) deliver(ctx context.Context) error {
	for {
		msg, err := b.inbox.Pop(ctx)
		if err != nil {
			return err
		}
		b.serve(ctx, msg)
	}
}

// serve dispatches one incoming call. It runs on the delivery loop so gift
// tokens are resolved before the next call is looked at.
func (b *Broker) serve(ctx context.Context, msg *wire.Message) {
	b.tub.msink.IncrCounterWithLabels(
		MetricBrokerCallInCount,
		1.0,
		append(b.mLabels, LabelMethod.M(msg.Method)),
	)

	var method Method
	obj, err := b.target(msg.Target)
	if err == nil {
		var ok bool
		method, ok = obj.RemoteMethod(msg.Method)
		if !ok {
			err = fmt.Errorf("%w: %q", ErrNoSuchMethod, msg.Method)
		}
	}

	// arguments of a call that cannot be served are still decoded so their
	// gifts and references get released, without dialing anybody.
	dec := b.newDecoder(ctx, err != nil)
	raw, derr := wire.Unmarshal(msg.Body, dec)
	if err == nil && derr != nil {
		err = derr
		if !errors.Is(err, ErrGiftResolutionFailed) {
			err = fmt.Errorf("%w: %w", ErrSerialization, err)
		}
	}

	args, ok := raw.([]any)
	if err == nil && !ok {
		err = fmt.Errorf("%w: arguments are not a list", ErrSerialization)
	}
	dec.finish(err != nil)

	if err != nil {
		b.reply(msg, nil, err)
		return
	}

	result, err := b.call(withCaller(ctx, b.peer), method, args)
	if f, ok := result.(*future.Future[any]); ok && err == nil {
		go func() {
			val, err := f.Await(ctx)
			b.reply(msg, val, err)
		}()
		return
	}
	b.reply(msg, result, err)
}

func (b *Broker) target(id uint64) (Referenceable, error) {
	if id == rootRefID {
		return b.tub.root, nil
	}

	b.lk.Lock()
	defer b.lk.Unlock()
	exp, has := b.exports[id]
	if !has {
		return nil, fmt.Errorf("%w: no reference %d", ErrUnknownCapability, id)
	}
	return exp.obj, nil
}

func (b *Broker) call(ctx context.Context, method Method, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("method panicked: %v", r)
		}
	}()
	return method(ctx, args...)
}

func (b *Broker) reply(msg *wire.Message, val any, err error) {
	if err != nil {
		b.tub.msink.IncrCounterWithLabels(
			MetricBrokerCallErrorCount,
			1.0,
			append(b.mLabels, LabelKind.M(errorKind(err)), LabelMethod.M(msg.Method)),
		)
	}

	if msg.CallID == 0 {
		if err != nil {
			b.logger.Warn(
				"one-way call failed",
				LabelMethod.L(msg.Method),
				LabelError.L(err),
			)
		}
		return
	}

	b.lk.Lock()
	if b.closed {
		b.lk.Unlock()
		return
	}

	var enc *encoder
	if err == nil {
		enc = b.newEncoder()
		body, eerr := wire.Marshal(val, enc)
		if eerr == nil {
			eerr = b.send(&wire.Message{
				Kind:   wire.KindAnswer,
				CallID: msg.CallID,
				Body:   body,
			})
			if eerr == nil {
				enc.commit()
				b.lk.Unlock()
				return
			}
		}
		enc.rollback()
		if errors.Is(eerr, ErrSerialization) {
			err = eerr
		} else {
			err = fmt.Errorf("%w: %w", ErrSerialization, eerr)
		}
	}

	errMsg := err.Error()
	if limit := b.maxFrame / 2; len(errMsg) > limit {
		errMsg = errMsg[:limit]
	}
	b.send(&wire.Message{
		Kind:       wire.KindError,
		CallID:     msg.CallID,
		ErrKind:    errorKind(err),
		ErrMessage: errMsg,
	})
	b.lk.Unlock()

	// refs dropped by the rollback are released outside of the lock.
	if enc != nil {
		enc.flush()
	}
}

// shutdown moves the broker to its terminal state: every pending call
// fails, gifts are discarded, exports are unpinned and imports die.
func (b *Broker) shutdown(cause error) {
	b.lk.Lock()
	if b.closed {
		b.lk.Unlock()
		return
	}
	b.closed = true
	if cause == nil || errors.Is(cause, ErrConnectionLost) {
		b.err = ErrConnectionLost
	} else {
		b.err = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}

	pending := b.pending
	b.pending = make(map[uint64]*pendingCall)

	var caps []CapabilityID
	for _, exp := range b.exports {
		caps = append(caps, exp.capID)
	}
	clear(b.exports)
	clear(b.exportsByObj)
	clear(b.imports)
	gifts := b.discardGifts()
	b.lk.Unlock()

	b.cancel(b.err)
	close(b.done)
	b.sender.Close()
	b.inbox.Close()
	b.conn.Close()

	for _, capID := range caps {
		b.tub.registry.unpin(capID)
	}
	for _, call := range pending {
		call.promise.Reject(b.err)
	}
	for _, ref := range gifts {
		ref.Release()
	}
	b.tub.forget(b)

	b.tub.msink.IncrCounterWithLabels(MetricTubConnLostCount, 1.0, b.mLabels)
	b.tub.msink.SetGaugeWithLabels(MetricBrokerPendingCalls, 0, b.mLabels)
	b.logger.Info(
		"connection lost",
		LabelError.L(cause),
		"pending_calls", len(pending),
		"gifts_discarded", len(gifts),
	)
}

func (b *Broker) pendingCount() int {
	b.lk.Lock()
	defer b.lk.Unlock()
	return len(b.pending)
}

func (b *Broker) exportCount() int {
	b.lk.Lock()
	defer b.lk.Unlock()
	return len(b.exports)
}

func (b *Broker) importCount() int {
	b.lk.Lock()
	defer b.lk.Unlock()
	return len(b.imports)
}
