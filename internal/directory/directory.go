package directory

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	relayerrors "github.com/elecbits/heartbeat-relay/internal/errors"
	"github.com/elecbits/heartbeat-relay/internal/model"
	"github.com/elecbits/heartbeat-relay/internal/securestore"
)

const defaultCADir = "CA"

// Config locates certificate material in the secure store
type Config struct {
	RootPath string
	CAPath   string
}

// Result is the outcome of one discovery scan
type Result struct {
	CA         []byte
	Tenants    []model.Tenant
	Discovered []string
	Failures   map[string]error
	ScannedAt  time.Time
}

// Directory discovers tenants and fetches their certificate material
type Directory struct {
	dialer securestore.Dialer
	cfg    Config
	logger *zap.Logger
}

// New creates a directory
func New(dialer securestore.Dialer, cfg Config, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{dialer: dialer, cfg: cfg, logger: logger}
}

// Open starts a scan over a fresh secure-store session. The caller owns the
// scan and must Close it.
func (d *Directory) Open(ctx context.Context) (*Scan, error) {
	client, err := d.dialer.Dial(ctx)
	if err != nil {
		return nil, relayerrors.Discovery("secure store unreachable", err)
	}
	return &Scan{client: client, cfg: d.cfg, logger: d.logger}, nil
}

// Load performs a complete scan: tenant discovery, the CA certificate and
// every tenant's bundle. Per-tenant failures are collected in the result.
func (d *Directory) Load(ctx context.Context) (*Result, error) {
	scan, err := d.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer scan.Close()

	ids, err := scan.DiscoverTenants(ctx)
	if err != nil {
		return nil, err
	}

	ca, err := scan.FetchCACertificate(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{
		CA:         ca,
		Discovered: ids,
		Failures:   make(map[string]error),
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bundle, err := scan.FetchTenantCertBundle(ctx, id)
		if err != nil {
			d.logger.Warn("Skipping tenant, certificate bundle unavailable",
				zap.String("tenant_id", id),
				zap.Error(err))
			res.Failures[id] = err
			continue
		}
		res.Tenants = append(res.Tenants, model.Tenant{ID: id, Bundle: bundle})
	}
	res.ScannedAt = time.Now()

	d.logger.Info("Tenant discovery completed",
		zap.Int("discovered", len(ids)),
		zap.Int("provisioned", len(res.Tenants)),
		zap.Int("failed", len(res.Failures)))
	return res, nil
}

// LoadWithRetry repeats Load while it fails with a discovery error, up to
// attempts times
func (d *Directory) LoadWithRetry(ctx context.Context, attempts int, delay time.Duration) (*Result, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := d.Load(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if relayerrors.GetCode(err) != relayerrors.ErrCodeDiscovery || attempt == attempts {
			break
		}

		d.logger.Warn("Discovery failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// Scan is one discovery pass bound to a single secure-store session
type Scan struct {
	client securestore.Client
	cfg    Config
	logger *zap.Logger
}

// DiscoverTenants lists tenant IDs in lexical order
func (s *Scan) DiscoverTenants(ctx context.Context) ([]string, error) {
	names, err := s.client.ListDirectories(ctx, s.cfg.RootPath)
	if err != nil {
		return nil, relayerrors.Discovery(fmt.Sprintf("list %s", s.cfg.RootPath), err)
	}

	caDir := s.caDir()
	ids := make([]string, 0, len(names))
	for _, name := range names {
		if name == caDir || name == defaultCADir {
			continue
		}
		ids = append(ids, name)
	}
	if len(ids) == 0 {
		return nil, relayerrors.Discovery(fmt.Sprintf("no tenants under %s", s.cfg.RootPath), nil)
	}
	return ids, nil
}

// FetchCACertificate fetches the shared CA certificate
func (s *Scan) FetchCACertificate(ctx context.Context) ([]byte, error) {
	data, err := s.client.FetchFile(ctx, s.cfg.CAPath)
	if err != nil {
		return nil, relayerrors.Discovery("CA certificate unavailable", err)
	}
	return data, nil
}

// FetchTenantCertBundle fetches <root>/<id>/client_<id>.crt and .key
func (s *Scan) FetchTenantCertBundle(ctx context.Context, id string) (model.CertBundle, error) {
	certPath, keyPath := BundlePaths(s.cfg.RootPath, id)

	cert, err := s.client.FetchFile(ctx, certPath)
	if err != nil {
		return model.CertBundle{}, relayerrors.Certificate(id, "client certificate unavailable", err)
	}
	key, err := s.client.FetchFile(ctx, keyPath)
	if err != nil {
		return model.CertBundle{}, relayerrors.Certificate(id, "client key unavailable", err)
	}
	return model.CertBundle{Cert: cert, Key: key}, nil
}

// Close releases the scan's session
func (s *Scan) Close() error {
	return s.client.Close()
}

// caDir returns the CA directory name when the CA lives directly under root
func (s *Scan) caDir() string {
	dir := path.Dir(path.Clean(s.cfg.CAPath))
	if path.Dir(dir) == path.Clean(s.cfg.RootPath) {
		return path.Base(dir)
	}
	return ""
}

// BundlePaths returns the certificate and key paths of a tenant
func BundlePaths(root, id string) (string, string) {
	dir := path.Join(root, id)
	return path.Join(dir, "client_"+id+".crt"), path.Join(dir, "client_"+id+".key")
}
