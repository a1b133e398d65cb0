package tub

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

const defaultUDPBufferSize int = 1 << 21

// alpn is negotiated by every Tub connection.
const alpn = "tub/1"

// transportConfig represents the configuration of the QUIC layer.
type transportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `transportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig must require client certificates so both ends are
	// identified.
	TlsConfig *tls.Config

	// Listen enables accepting connections on BindAddr and BindPort,
	// otherwise the socket is only used to dial.
	Listen   bool
	BindAddr string
	BindPort int

	// IdentityResolver to resolve TubID from peer certificates.
	IdentityResolver IdentityResolver

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink

	// DialTimeout controls how much time we wait for connection and stream
	// establishment.
	DialTimeout time.Duration

	// GracePeriod is how long we let streams flush before closing
	// connections.
	GracePeriod time.Duration

	LogHandler slog.Handler
}

// transport carries broker streams over QUIC. Every connection is
// identified by the TubID resolved from its peer certificate and carries a
// single bidirectional stream.
type transport struct {
	cfg    *transportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam connection errors in logs.
	gracefulTerm atomic.Bool

	acceptCh chan *peerConn
	closeCh  chan struct{}
	wg       sync.WaitGroup

	lk    sync.Mutex
	conns map[quic.Connection]struct{}

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

// peerConn is an identified connection and its broker stream.
type peerConn struct {
	id     TubID
	conn   quic.Connection
	stream *streamWrapper
}

func newTransport(cfg *transportConfig) (t *transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &transport{
		cfg:      cfg,
		acceptCh: make(chan *peerConn),
		closeCh:  make(chan struct{}),
		conns:    make(map[quic.Connection]struct{}),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.close()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: cfg.BindPort}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	if !cfg.Listen {
		return t, nil
	}

	ln, err := t.tr.Listen(t.cfg.TlsConfig, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	return t, nil
}

// labels returns the static labels followed by extra, in a slice of its
// own so callers can append to it.
func (t *transport) labels(extra ...metrics.Label) []metrics.Label {
	return slices.Concat(t.cfg.MetricLabels, extra)
}

func (t *transport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		HandshakeIdleTimeout:  t.cfg.DialTimeout,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

// LocalAddr is the UDP address the transport is bound to.
func (t *transport) LocalAddr() *net.UDPAddr {
	return t.udpLn.LocalAddr().(*net.UDPAddr)
}

// Advertise returns a dialable "host:port" for the local socket.
func (t *transport) Advertise() (string, error) {
	if t.ln == nil {
		return "", ErrNotListening
	}

	addr := t.LocalAddr()
	ip := addr.IP
	if ip.IsUnspecified() {
		t.logger.Warn("listening on all interfaces, advertising loopback, use WithLocation to fix this")
		ip = net.IPv4(127, 0, 0, 1)
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(addr.Port)), nil
}

// Accepted delivers inbound connections once identified and their stream
// opened by the peer.
func (t *transport) Accepted() <-chan *peerConn {
	return t.acceptCh
}

// Dial connects to location and checks that the peer is expect.
func (t *transport) Dial(ctx context.Context, location string, expect TubID) (*peerConn, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	mLabels := t.labels(LabelPeerAddr.M(location))

	addr, err := net.ResolveUDPAddr("udp", location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	conn, err := t.tr.Dial(ctx, addr, t.cfg.TlsConfig, t.quicConfig())
	if t.gracefulTerm.Load() {
		if conn != nil {
			QErrShutdown.Close(conn, "we are shutting down! bye!")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricTubConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("dial")),
		)
		return nil, err
	}

	id, err := t.identify(conn)
	if err != nil {
		return nil, err
	}

	if expect != "" && id != expect {
		t.msink.IncrCounterWithLabels(
			MetricTubConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("identity_mismatch")),
		)
		QErrIdentity.Close(conn, "you are not the tub we were looking for")
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrIdentityMismatch, expect, id)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricTubConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("cannot_open_stream")),
		)
		QErrInternal.Close(conn, "could not open stream")
		return nil, err
	}

	t.track(conn)
	t.msink.IncrCounterWithLabels(
		MetricTubConnEstCount,
		1.0,
		append(mLabels, LabelPeerID.M(string(id))),
	)
	return &peerConn{
		id:     id,
		conn:   conn,
		stream: t.wrap(conn, stream),
	}, nil
}

// identify resolves the TubID of the peer and closes the connection when
// it cannot.
func (t *transport) identify(conn quic.Connection) (TubID, error) {
	peer := conn.RemoteAddr().String()
	logger := t.logger.With(LabelPeerAddr.L(peer))
	mLabels := t.labels(LabelPeerAddr.M(peer))

	resolver := t.cfg.IdentityResolver
	if resolver == nil {
		resolver = FingerprintResolver
	}

	id, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve tub id", LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricTubConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("identity_resolution")),
		)
		if uerr == "" {
			QErrInternal.Close(
				conn,
				"unexpected error during identity resolution",
			)
		} else {
			QErrIdentity.Close(
				conn,
				fmt.Sprintf("error during resolution: %s", uerr),
			)
		}
		return "", err
	}
	return id, nil
}

func (t *transport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				// NB: quic-go only fails Accept once the listener is closed.
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *transport) handleConn(conn quic.Connection) {
	defer t.wg.Done()

	id, err := t.identify(conn)
	if err != nil {
		return
	}

	peer := conn.RemoteAddr().String()
	logger := t.logger.With(LabelPeerAddr.L(peer), LabelPeerID.L(id))
	mLabels := t.labels(LabelPeerAddr.M(peer), LabelPeerID.M(string(id)))

	ctx, cancel := context.WithTimeout(conn.Context(), t.cfg.DialTimeout)
	defer cancel()

	// the initiator writes its hello right away, so the stream shows up
	// shortly after the handshake.
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		if !t.gracefulTerm.Load() {
			logger.Warn("peer never opened its stream", LabelError.L(err))
		}
		t.msink.IncrCounterWithLabels(
			MetricTubConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("no_stream")),
		)
		QErrProtocol.Close(conn, "no stream opened")
		return
	}

	t.track(conn)
	pc := &peerConn{
		id:     id,
		conn:   conn,
		stream: t.wrap(conn, stream),
	}

	select {
	case t.acceptCh <- pc:
		t.msink.IncrCounterWithLabels(MetricTubConnEstCount, 1.0, mLabels)
		logger.Debug("accepted connection")
	case <-t.closeCh:
		QErrShutdown.Close(conn, "we are shutting down! bye!")
	}
}

func (t *transport) wrap(conn quic.Connection, stream quic.Stream) *streamWrapper {
	return &streamWrapper{
		Stream: stream,
		conn:   conn,
		grace:  t.cfg.GracePeriod,
	}
}

func (t *transport) track(conn quic.Connection) {
	t.lk.Lock()
	t.conns[conn] = struct{}{}
	t.lk.Unlock()

	go func() {
		<-conn.Context().Done()
		t.lk.Lock()
		delete(t.conns, conn)
		t.lk.Unlock()
	}()
}

// Shutdown stops accepting, waits for the grace period so in-flight frames
// have a chance to be flushed, then closes every connection.
func (t *transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.closeCh)

	if t.ln != nil {
		t.ln.Close()
	}

	t.lk.Lock()
	active := len(t.conns)
	t.lk.Unlock()
	if active > 0 {
		// dumb SO_LINGER like behaviour until it is implemented
		// in quic-go
		time.Sleep(t.cfg.GracePeriod)
	}

	t.lk.Lock()
	for conn := range t.conns {
		QErrShutdown.Close(conn, "we are shutting down! bye!")
	}
	t.lk.Unlock()

	err := t.close()
	t.wg.Wait()
	return err
}

func (t *transport) close() error {
	var err error
	if t.tr != nil {
		err = t.tr.Close()
	}
	if t.udpLn != nil {
		// already closed by the quic transport most of the time.
		t.udpLn.Close()
	}
	return err
}

func (t *transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricTubUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}
