// Package tub is a capability-secure remote object broker.
//
// A `Tub` exposes local objects under unguessable capabilities. Whoever
// holds the URL of a capability can import a `RemoteReference` on the
// object and invoke its methods asynchronously:
//
//	url := carol.Register(tub.NewObject("counter").Handle("add", add))
//	ref, err := alice.GetReference(ctx, url.String()).Await(ctx)
//	sum, err := ref.Invoke("add", 1, 2).Await(ctx)
//
// ## How it works
//
// Tubs talk over QUIC, one connection and one stream per pair of Tubs. The
// identity of a Tub is derived from its TLS certificate, so the URL of a
// capability also authenticates the Tub holding it.
//
// Each connection is handled by a `Broker` owning the tables scoped to it:
// calls waiting for an answer, objects exported to the peer and references
// imported from it. References can travel as call arguments and results:
//
//   - an object of the sender becomes a reference on the receiver,
//   - a reference to an object of the receiver becomes the object itself,
//   - a reference to a third Tub becomes a *gift*: the receiver connects to
//     that Tub directly and tells the sender it can forget the introduction.
//
// Calls on the same reference are dispatched in the order they were made,
// gifts included.
//
// ## Failures
//
// A call fails with a `*RemoteError` when the peer reports a failure, use
// `errors.Is` with `ErrUnknownCapability`, `ErrNoSuchMethod` or
// `ErrGiftResolutionFailed` to tell them apart. When a connection is lost,
// pending calls fail with `ErrConnectionLost` and every reference it
// carried is dead, other connections are not affected.
package tub
