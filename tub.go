package tub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/raskyld/tub/pkg/future"
)

// Tub is a process level endpoint exposing local objects under
// unguessable capabilities and importing the objects of other Tubs.
//
// It keeps at most one connection to any other Tub at a time and an
// in-process connection to itself, so references to its own objects behave
// exactly like remote ones.
type Tub struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink

	id        TubID
	locations []string
	registry  *Registry
	root      *Object

	tr    *transport
	dir   *directory
	dials singleflight.Group

	// synchronisation
	lk       sync.Mutex
	brokers  map[TubID]*Broker
	all      map[*Broker]struct{}
	loopback *Broker

	// 2-phase close:
	// phase 1: shutdown notification, no new connection.
	// phase 2: drop, all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// Create starts a Tub.
func Create(opts ...Option) (*Tub, error) {
	t := &Tub{
		config:     defaultConfig(),
		registry:   NewRegistry(),
		brokers:    make(map[TubID]*Broker),
		all:        make(map[*Broker]struct{}),
		shutdownCh: make(chan struct{}),
	}

	for _, opt := range opts {
		err := opt(&t.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if t.config.logHandler == nil {
		t.config.logHandler = slog.Default().Handler()
		t.config.trCfg.LogHandler = t.config.logHandler
	}

	// Metrics implementations.
	if t.config.msink == nil {
		t.config.msink = metrics.Default()
		t.config.trCfg.MetricSink = t.config.msink
	}
	t.msink = t.config.msink

	// Identity.
	if err := t.setupIdentity(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	t.logger = slog.New(t.config.logHandler).With(LabelTubID.L(t.id))

	// Initiate QUIC transport layer.
	tr, err := newTransport(&t.config.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	t.tr = tr

	t.locations = t.config.locations
	if len(t.locations) == 0 && t.config.trCfg.Listen {
		loc, err := tr.Advertise()
		if err != nil {
			tr.Shutdown()
			return nil, err
		}
		t.locations = []string{loc}
	}

	if t.config.dirEnabled {
		dir, err := newDirectory(&t.config, t.id, t.locations, t.config.logHandler)
		if err != nil {
			tr.Shutdown()
			return nil, err
		}
		t.dir = dir
	}

	t.root = NewObject("root").Handle("lookup", t.lookup)

	if t.config.trCfg.Listen {
		t.wg.Add(1)
		go t.handleAccepted()
	}

	t.logger.Info("tub created", "locations", t.locations)
	return t, nil
}

func (t *Tub) setupIdentity() error {
	tlsConf := t.config.trCfg.TlsConfig
	if t.config.cert == nil && tlsConf != nil && len(tlsConf.Certificates) > 0 {
		t.config.cert = &tlsConf.Certificates[0]
	}
	if t.config.cert == nil {
		cert, err := GenerateCertificate("tub")
		if err != nil {
			return err
		}
		t.config.cert = &cert
	}

	leaf, err := leafOf(*t.config.cert)
	if err != nil {
		return err
	}

	resolver := t.config.trCfg.IdentityResolver
	if resolver == nil {
		resolver = FingerprintResolver
		t.config.trCfg.IdentityResolver = resolver
	}
	id, err, _ := resolver([]*x509.Certificate{leaf})
	if err != nil {
		return err
	}
	t.id = id

	if tlsConf == nil {
		// identities are checked by the resolver and against the URL, not by
		// a chain of trust.
		tlsConf = &tls.Config{
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true,
		}
	}
	tlsConf.MinVersion = tls.VersionTLS13
	if len(tlsConf.Certificates) == 0 {
		tlsConf.Certificates = []tls.Certificate{*t.config.cert}
	}
	if !slices.Contains(tlsConf.NextProtos, alpn) {
		tlsConf.NextProtos = append(tlsConf.NextProtos, alpn)
	}
	t.config.trCfg.TlsConfig = tlsConf
	return nil
}

// ID is the identity of the Tub.
func (t *Tub) ID() TubID {
	return t.id
}

// Locations are the hints written in the URLs of the Tub.
func (t *Tub) Locations() []string {
	return slices.Clone(t.locations)
}

// Registry holds the capabilities of the Tub.
func (t *Tub) Registry() *Registry {
	return t.registry
}

// Expose makes obj reachable under a fresh capability.
func (t *Tub) Expose(obj Referenceable) CapabilityID {
	return t.registry.Expose(obj)
}

// Register exposes obj and returns the URL to share.
func (t *Tub) Register(obj Referenceable) URL {
	return t.URL(t.registry.Expose(obj))
}

// URL addresses capability id on this Tub.
func (t *Tub) URL(id CapabilityID) URL {
	return t.urlFor(id)
}

// Withdraw revokes a capability, see [Registry.Withdraw].
func (t *Tub) Withdraw(id CapabilityID) {
	t.registry.Withdraw(id)
}

func (t *Tub) urlFor(id CapabilityID) URL {
	return URL{
		TubID:      t.id,
		Locations:  t.locations,
		Capability: id,
	}
}

func (t *Tub) metricLabels() []metrics.Label {
	return slices.Clone(t.config.metricLabels)
}

// lookup is the single method of the root object.
func (t *Tub) lookup(_ context.Context, args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("lookup expects 1 argument, got %d", len(args))
	}
	id, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("lookup expects a capability, got %T", args[0])
	}
	return t.registry.Lookup(CapabilityID(id))
}

// GetReference connects to the Tub named by raw and imports the object it
// designates. The caller owns one holder of the reference.
func (t *Tub) GetReference(ctx context.Context, raw string) *future.Future[*RemoteReference] {
	u, err := ParseURL(raw)
	if err != nil {
		return future.Failed[*RemoteReference](err)
	}
	return t.GetReferenceByURL(ctx, u)
}

// GetReferenceByURL is [Tub.GetReference] for a parsed URL.
func (t *Tub) GetReferenceByURL(ctx context.Context, u URL) *future.Future[*RemoteReference] {
	promise := future.NewPromise[*RemoteReference]()
	go func() {
		promise.Settle(t.getReference(ctx, u))
	}()
	return promise.Future()
}

func (t *Tub) getReference(ctx context.Context, u URL) (*RemoteReference, error) {
	b, err := t.brokerTo(ctx, u)
	if err != nil {
		return nil, err
	}

	answer := b.invoke(rootRefID, "lookup", []any{string(u.Capability)}, true)
	val, err := answer.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// the answer may still come, don't leak its holder.
			go func() {
				if val, err := answer.Await(context.Background()); err == nil {
					if ref, ok := val.(*RemoteReference); ok {
						ref.Release()
					}
				}
			}()
		}
		return nil, err
	}

	ref, ok := val.(*RemoteReference)
	if !ok {
		return nil, fmt.Errorf("%w: lookup answered %T", ErrNotReference, val)
	}
	return ref, nil
}

// resolve turns a gift URL into something a method can use: a reference
// over a direct connection to the third party, or our own object when the
// gift points back at us.
func (t *Tub) resolve(ctx context.Context, u URL) (any, error) {
	if u.TubID == t.id {
		return t.registry.Lookup(u.Capability)
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.trCfg.DialTimeout)
	defer cancel()
	return t.getReference(ctx, u)
}

// brokerTo returns a live broker to the Tub of u, dialing if needed.
func (t *Tub) brokerTo(ctx context.Context, u URL) (*Broker, error) {
	if u.TubID == t.id {
		return t.loopbackBroker()
	}

	t.lk.Lock()
	if t.shutdown {
		t.lk.Unlock()
		return nil, ErrTubClosed
	}
	b := t.brokers[u.TubID]
	t.lk.Unlock()
	if b != nil && b.Err() == nil {
		return b, nil
	}

	v, err, _ := t.dials.Do(string(u.TubID), func() (any, error) {
		// shared by concurrent callers, the first one must not cancel it
		// for the others.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.config.trCfg.DialTimeout)
		defer cancel()
		return t.dial(dctx, u)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Broker), nil
}

func (t *Tub) dial(ctx context.Context, u URL) (*Broker, error) {
	var errs error
	tried := make(map[string]bool)
	try := func(locations []string) *Broker {
		for _, loc := range locations {
			if tried[loc] {
				continue
			}
			tried[loc] = true

			pc, err := t.tr.Dial(ctx, loc, u.TubID)
			if err != nil {
				t.logger.Debug(
					"failed to dial location",
					LabelPeerID.L(u.TubID),
					LabelPeerAddr.L(loc),
					LabelError.L(err),
				)
				errs = multierr.Append(errs, err)
				continue
			}

			b, err := t.attach(pc.stream, pc.id)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			return b
		}
		return nil
	}

	if b := try(u.Locations); b != nil {
		return b, nil
	}
	if t.dir != nil {
		if b := try(t.dir.Lookup(u.TubID)); b != nil {
			return b, nil
		}
	}

	if errs == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLocation, u.TubID)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrNoLocation, u.TubID, errs)
}

// attach starts a broker over conn. The newest broker to a Tub is the one
// used for dialing, older ones keep serving the references they carry.
func (t *Tub) attach(conn io.ReadWriteCloser, peer TubID) (*Broker, error) {
	t.lk.Lock()
	defer t.lk.Unlock()
	if t.shutdown {
		conn.Close()
		return nil, ErrTubClosed
	}

	b := newBroker(t, conn, peer)
	if peer != t.id {
		t.brokers[peer] = b
	}
	t.all[b] = struct{}{}
	b.start()
	return b, nil
}

// loopbackBroker returns the client end of an in-process connection to
// ourselves.
func (t *Tub) loopbackBroker() (*Broker, error) {
	t.lk.Lock()
	if t.shutdown {
		t.lk.Unlock()
		return nil, ErrTubClosed
	}
	if b := t.loopback; b != nil && b.Err() == nil {
		t.lk.Unlock()
		return b, nil
	}
	t.lk.Unlock()

	v, err, _ := t.dials.Do(string(t.id), func() (any, error) {
		client, server := net.Pipe()
		if _, err := t.attach(server, t.id); err != nil {
			client.Close()
			return nil, err
		}
		b, err := t.attach(client, t.id)
		if err != nil {
			return nil, err
		}

		t.lk.Lock()
		t.loopback = b
		t.lk.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Broker), nil
}

// forget is called by a broker once it is lost.
func (t *Tub) forget(b *Broker) {
	t.lk.Lock()
	defer t.lk.Unlock()
	delete(t.all, b)
	if t.brokers[b.peer] == b {
		delete(t.brokers, b.peer)
	}
	if t.loopback == b {
		t.loopback = nil
	}
}

func (t *Tub) handleAccepted() {
	defer t.wg.Done()
	for {
		var pc *peerConn
		select {
		case pc = <-t.tr.Accepted():
		case <-t.shutdownCh:
			t.logger.Info("shutdown: stop accepting connections")
			return
		}

		if _, err := t.attach(pc.stream, pc.id); err != nil {
			t.logger.Debug("refused connection", LabelPeerID.L(pc.id), LabelError.L(err))
		}
	}
}

// JoinDirectory joins the directory through the neighbours given with
// [WithNeighbours].
func (t *Tub) JoinDirectory() error {
	return t.JoinDirectoryVia(t.config.neighbours...)
}

// JoinDirectoryVia joins the directory through the given gossip addresses.
func (t *Tub) JoinDirectoryVia(neighbours ...string) error {
	t.lk.Lock()
	closed := t.shutdown
	t.lk.Unlock()
	if closed {
		return ErrTubClosed
	}
	if t.dir == nil {
		return ErrNoDirectory
	}
	return t.dir.Join(neighbours)
}

// DirectoryPort is the port the directory gossips on, zero when disabled.
func (t *Tub) DirectoryPort() int {
	if t.dir == nil {
		return 0
	}
	return t.dir.Port()
}

// Peers lists the Tubs known to the directory.
func (t *Tub) Peers() []TubID {
	if t.dir == nil {
		return nil
	}
	return t.dir.Members()
}

// Connected lists the Tubs we have a live connection with.
func (t *Tub) Connected() []TubID {
	t.lk.Lock()
	defer t.lk.Unlock()
	ids := make([]TubID, 0, len(t.brokers))
	for id := range t.brokers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Shutdown closes every connection, invalidates every capability and
// releases the network resources.
func (t *Tub) Shutdown() error {
	// Phase 1: Shutdown notify.
	t.lk.Lock()
	if t.shutdown {
		t.lk.Unlock()
		return nil
	}
	t.shutdown = true
	close(t.shutdownCh)
	brokers := make([]*Broker, 0, len(t.all))
	for b := range t.all {
		brokers = append(brokers, b)
	}
	t.lk.Unlock()

	start := time.Now()
	t.logger.Info("shutting down...")

	var errs error
	if t.dir != nil {
		t.logger.Info("shutdown: leave directory")
		errs = multierr.Append(errs, t.dir.Shutdown(t.config.trCfg.GracePeriod))
	}

	t.logger.Info("shutdown: close connections", "count", len(brokers))
	for _, b := range brokers {
		errs = multierr.Append(errs, b.Close())
	}
	t.registry.close()

	// Phase 2: Drop all resources.
	t.logger.Info("shutdown: release transport resources")
	errs = multierr.Append(errs, t.tr.Shutdown())

	t.logger.Info("shutdown: wait for sub-tasks to finish")
	t.wg.Wait()

	t.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return errs
}
