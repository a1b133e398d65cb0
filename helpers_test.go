package tub

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

func testHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// newTestTub starts a Tub listening on an ephemeral loopback port.
func newTestTub(t *testing.T, name string, opts ...Option) *Tub {
	t.Helper()
	opts = append([]Option{
		WithListenOn("127.0.0.1", 0),
		WithLog(testHandler(name)),
		WithMetricSink(nil),
		WithGracePeriod(10 * time.Millisecond),
		WithDialTimeout(5 * time.Second),
	}, opts...)

	tb, err := Create(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, tb.Shutdown())
	})
	return tb
}

// newDialOnlyTub starts a Tub which does not accept connections.
func newDialOnlyTub(t *testing.T, name string, opts ...Option) *Tub {
	t.Helper()
	opts = append([]Option{
		WithLog(testHandler(name)),
		WithMetricSink(nil),
		WithGracePeriod(10 * time.Millisecond),
	}, opts...)
	tb, err := Create(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, tb.Shutdown())
	})
	return tb
}

// pipeTubs connects two Tubs with an in-memory stream.
func pipeTubs(t *testing.T, a, b *Tub) (*Broker, *Broker) {
	t.Helper()
	c1, c2 := net.Pipe()
	ab, err := a.attach(c1, b.ID())
	require.NoError(t, err)
	ba, err := b.attach(c2, a.ID())
	require.NoError(t, err)
	return ab, ba
}

// recorder is a test object remembering the arguments of its calls.
type recorder struct {
	*Object

	lk    sync.Mutex
	calls [][]any
}

func newRecorder(name string) *recorder {
	rec := &recorder{Object: NewObject(name)}
	rec.Handle("set", func(ctx context.Context, args ...any) (any, error) {
		rec.lk.Lock()
		defer rec.lk.Unlock()
		rec.calls = append(rec.calls, args)
		return nil, nil
	})
	rec.Handle("append", func(ctx context.Context, args ...any) (any, error) {
		rec.lk.Lock()
		defer rec.lk.Unlock()
		rec.calls = append(rec.calls, args)
		return len(rec.calls), nil
	})
	rec.Handle("echo", func(ctx context.Context, args ...any) (any, error) {
		return args, nil
	})
	return rec
}

func (rec *recorder) recorded() [][]any {
	rec.lk.Lock()
	defer rec.lk.Unlock()
	out := make([][]any, len(rec.calls))
	copy(out, rec.calls)
	return out
}

// flat returns the first argument of every call.
func (rec *recorder) flat() []any {
	var out []any
	for _, args := range rec.recorded() {
		if len(args) > 0 {
			out = append(out, args[0])
		} else {
			out = append(out, nil)
		}
	}
	return out
}

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}
