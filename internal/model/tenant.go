package model

import "crypto/tls"

// CertBundle holds a tenant's client certificate and private key as fetched
// from the secure store (PEM or DER encoded)
type CertBundle struct {
	Cert []byte
	Key  []byte
}

// Tenant represents a remote device discovered in the secure store
type Tenant struct {
	ID     string
	Bundle CertBundle
}

// SecureContext is the mutual-TLS client configuration private to one tenant
type SecureContext struct {
	TenantID string
	TLS      *tls.Config
}

// Release drops the key material held by the context so it can be collected
func (s *SecureContext) Release() {
	if s == nil {
		return
	}
	s.TLS = nil
}
