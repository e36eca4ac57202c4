package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/youmark/pkcs8"
	"go.uber.org/zap"

	relayerrors "github.com/elecbits/heartbeat-relay/internal/errors"
	"github.com/elecbits/heartbeat-relay/internal/model"
)

var (
	ErrMalformed          = errors.New("malformed certificate material")
	ErrUnsupportedKey     = errors.New("unsupported private key algorithm")
	ErrKeyMismatch        = errors.New("private key does not match certificate")
	ErrPassphraseRequired = errors.New("encrypted private key requires a passphrase")
)

// Provisioner turns raw certificate material into per-tenant TLS client
// configurations
type Provisioner struct {
	passphrase []byte
	logger     *zap.Logger
}

// NewProvisioner creates a provisioner. passphrase decrypts PKCS#8 encrypted
// keys and may be empty.
func NewProvisioner(passphrase string, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provisioner{logger: logger}
	if passphrase != "" {
		p.passphrase = []byte(passphrase)
	}
	return p
}

// BuildSecureContext builds a fresh mutual-TLS client configuration for one
// tenant. The trust pool holds only ca and the identity holds only the
// tenant's own certificate chain and key.
func (p *Provisioner) BuildSecureContext(tenantID string, ca, cert, key []byte) (*model.SecureContext, error) {
	roots, err := parseCertificates(ca)
	if err != nil {
		return nil, relayerrors.Certificate(tenantID, "invalid CA certificate", err)
	}
	pool := x509.NewCertPool()
	for _, c := range roots {
		pool.AddCert(c)
	}

	chain, err := parseCertificates(cert)
	if err != nil {
		return nil, relayerrors.Certificate(tenantID, "invalid client certificate", err)
	}

	priv, err := p.parsePrivateKey(key)
	if err != nil {
		return nil, relayerrors.Certificate(tenantID, "invalid client key", err)
	}

	if err := matchKey(chain[0], priv); err != nil {
		return nil, relayerrors.Certificate(tenantID, "client key rejected", err)
	}

	raw := make([][]byte, 0, len(chain))
	for _, c := range chain {
		raw = append(raw, c.Raw)
	}

	p.logger.Debug("Built secure context",
		zap.String("tenant_id", tenantID),
		zap.String("subject", chain[0].Subject.String()),
		zap.Time("not_after", chain[0].NotAfter))

	return &model.SecureContext{
		TenantID: tenantID,
		TLS: &tls.Config{
			RootCAs: pool,
			Certificates: []tls.Certificate{{
				Certificate: raw,
				PrivateKey:  priv,
				Leaf:        chain[0],
			}},
			MinVersion: tls.VersionTLS12,
		},
	}, nil
}

// parseCertificates accepts one or more PEM CERTIFICATE blocks, or a single
// DER certificate
func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		certs = append(certs, c)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	c, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("%w: no certificate found", ErrMalformed)
	}
	return []*x509.Certificate{c}, nil
}

func (p *Provisioner) parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		// DER fallback
		return parseDERKey(data)
	}

	//nolint:staticcheck // legacy encrypted PEM is detected only to reject it
	if x509.IsEncryptedPEMBlock(block) {
		return nil, fmt.Errorf("%w: legacy encrypted PEM keys are not supported", ErrUnsupportedKey)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return k, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return k, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return asSigner(k)
	case "ENCRYPTED PRIVATE KEY":
		if p.passphrase == nil {
			return nil, ErrPassphraseRequired
		}
		k, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, p.passphrase)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt: %v", ErrMalformed, err)
		}
		return asSigner(k)
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrMalformed, block.Type)
	}
}

func parseDERKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return asSigner(k)
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	return nil, fmt.Errorf("%w: no private key found", ErrMalformed)
}

func asSigner(k any) (crypto.Signer, error) {
	switch key := k.(type) {
	case *rsa.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, k)
	}
}

type publicKeyEqualer interface {
	Equal(crypto.PublicKey) bool
}

func matchKey(leaf *x509.Certificate, priv crypto.Signer) error {
	pub, ok := priv.Public().(publicKeyEqualer)
	if !ok {
		return ErrUnsupportedKey
	}
	if !pub.Equal(leaf.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}
