package tub

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mr-tron/base58"
)

// TubID is the identity of a Tub, as resolved from its TLS certificate.
type TubID string

func (id TubID) LogValue() slog.Value {
	return slog.StringValue(string(id))
}

// IdentityResolver can resolve a [TubID] from a list of
// `x509.Certificate`, those certificates are the one received from a
// remote peer, leaf first.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the connection establishment critical path.
//
// If the resolution is successful, *Implementations* MUST return a TubID
// and a nil error.
//
// Otherwise, *Implementations* MUST return a human-friendly error string
// as a third argument, which will be sent to the remote peer, so they can
// debug the error.
//
// If they return a non-nil error but an empty third string,
// a `QErrInternal` is returned to the peer instead.
type IdentityResolver func(certs []*x509.Certificate) (TubID, error, string)

// FingerprintResolver is the default resolver: the TubID is the base58
// encoded SHA-256 digest of the leaf certificate. It binds the identity to
// the key material so self-signed certificates are enough.
func FingerprintResolver(certs []*x509.Certificate) (TubID, error, string) {
	if len(certs) == 0 {
		return "", ErrIdentityResolve, "it seems like you haven't provided a certificate"
	}

	sum := sha256.Sum256(certs[0].Raw)
	return TubID(base58.Encode(sum[:])), nil, ""
}

// CommonNameResolver uses the x509 Subject Common Name of the peer
// certificate. Only use it when certificates are verified against a CA you
// trust, see [WithTlsConfig].
func CommonNameResolver(certs []*x509.Certificate) (TubID, error, string) {
	if len(certs) == 0 {
		return "", ErrIdentityResolve, "it seems like you haven't provided a certificate"
	}
	if certs[0].Subject.CommonName == "" {
		return "", ErrIdentityResolve, "certificate has an empty common name"
	}

	return TubID(certs[0].Subject.CommonName), nil, ""
}

// GenerateCertificate creates a self-signed ECDSA P-256 certificate suitable
// as a Tub identity.
func GenerateCertificate(commonName string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute)
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: commonName,
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(10 * 365 * 24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		Leaf:        leaf,
		PrivateKey:  key,
	}, nil
}

// leafOf returns the parsed leaf of cert.
func leafOf(cert tls.Certificate) (*x509.Certificate, error) {
	if cert.Leaf != nil {
		return cert.Leaf, nil
	}
	if len(cert.Certificate) == 0 {
		return nil, ErrNoTLSConfig
	}
	return x509.ParseCertificate(cert.Certificate[0])
}
