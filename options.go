package tub

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"slices"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
)

const (
	defaultDialTimeout = 30 * time.Second
	defaultGracePeriod = 5 * time.Second
)

type config struct {
	trCfg        transportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	cert         *tls.Certificate
	locations    []string
	maxFrameSize int

	// directory, only joined when dirEnabled.
	dirEnabled bool
	dirAddr    string
	dirPort    int
	neighbours []string
}

func defaultConfig() config {
	return config{
		trCfg: transportConfig{
			DialTimeout: defaultDialTimeout,
			GracePeriod: defaultGracePeriod,
		},
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn makes the Tub accept connections on the given UDP
// interface. A zero port picks an ephemeral one. Without this option the
// Tub can only dial.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: port %d", ErrInvalidAddr, port)
		}
		c.trCfg.Listen = true
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithLocation overrides the location hints advertised in URLs, by default
// the listening address is used.
func WithLocation(hints ...string) Option {
	return func(c *config) error {
		for _, hint := range hints {
			if hint == "" {
				return fmt.Errorf("%w: empty location hint", ErrInvalidAddr)
			}
		}
		c.locations = hints
		return nil
	}
}

// WithCertificate sets the identity of the Tub. When missing, a
// self-signed certificate is generated.
func WithCertificate(cert tls.Certificate) Option {
	return func(c *config) error {
		if len(cert.Certificate) == 0 {
			return ErrNoTLSConfig
		}
		c.cert = &cert
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Tub.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		labels = slices.Clone(labels)
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// legacyLabels translates labels for memberlist which still uses the armon
// flavour of go-metrics.
func (c *config) legacyLabels() []leg_metrics.Label {
	// TODO(raskyld): Wait for the buildflag to always use the
	// hashicorp version so we don't need to do the translation.
	labels := make([]leg_metrics.Label, len(c.metricLabels))
	for i, label := range c.metricLabels {
		labels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	return labels
}

// WithTlsConfig set the `tls.Config` used by the QUIC transport. Use it to
// verify peers against your own CA, in which case `CommonNameResolver` may
// be a better fit than the default fingerprint identity.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithIdentityResolver controls how a TubID is derived from certificates.
func WithIdentityResolver(resolver IdentityResolver) Option {
	return func(c *config) error {
		if resolver == nil {
			resolver = FingerprintResolver
		}
		c.trCfg.IdentityResolver = resolver
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Tub`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote Tub to answer, gift resolution included.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultDialTimeout
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for QUIC
// buffers to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = defaultGracePeriod
		}
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithMaxFrameSize bounds the size of a single broker message.
func WithMaxFrameSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return fmt.Errorf("frame size must be positive, got %d", size)
		}
		c.maxFrameSize = size
		return nil
	}
}

// WithDirectory enables the gossip directory on the given interface. Tubs
// of the same directory publish where they listen, which is used when the
// location hints of a URL are stale.
func WithDirectory(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: port %d", ErrInvalidAddr, port)
		}
		c.dirEnabled = true
		c.dirAddr = addr
		c.dirPort = port
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to join the
// directory.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}
