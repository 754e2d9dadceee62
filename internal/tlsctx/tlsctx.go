// Package tlsctx builds named TLS contexts from "TLS <name> {
// CACertificateFile/Path, CertificateFile, CertificateKeyFile,
// CertificateKeyPassword }" blocks: a certificate chain, private key, CA trust
// set, and chain-depth limit, resolved by client/server references with
// defaultclient/defaultserver/default fallback.
//
// Certificate/key material is loaded through github.com/grepplabs/cert-source's
// file-based certificate source (see DESIGN.md).
package tlsctx

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	certsourcefile "github.com/grepplabs/cert-source/certstore/file"
)

// Config is one parsed "TLS <name> { ... }" block.
type Config struct {
	Name               string
	CACertificateFile  string
	CACertificatePath  string
	CertificateFile    string
	CertificateKeyFile string
	CertificateKeyPass string
	MaxChainDepth      int // 0 means "no explicit limit configured"
}

// Context is a resolved, ready-to-use TLS context.
type Context struct {
	Name          string
	cert          tls.Certificate
	caPool        *x509.CertPool
	maxChainDepth int
}

// Build loads cfg's certificate/key/CA material and returns a ready
// Context. CertificateFile and CertificateKeyFile are required; at least
// one of CACertificateFile/CACertificatePath is required.
func Build(cfg Config) (*Context, error) {
	if cfg.CertificateFile == "" {
		return nil, fmt.Errorf("tlsctx %q: CertificateFile is required", cfg.Name)
	}
	if cfg.CertificateKeyFile == "" {
		return nil, fmt.Errorf("tlsctx %q: CertificateKeyFile is required", cfg.Name)
	}
	if cfg.CACertificateFile == "" && cfg.CACertificatePath == "" {
		return nil, fmt.Errorf("tlsctx %q: at least one of CACertificateFile/CACertificatePath is required", cfg.Name)
	}

	store, err := certsourcefile.NewFileCertStore(certsourcefile.Config{
		CertificateFile: cfg.CertificateFile,
		KeyFile:         cfg.CertificateKeyFile,
		KeyPassword:     cfg.CertificateKeyPass,
	})
	if err != nil {
		return nil, fmt.Errorf("tlsctx %q: load certificate/key: %w", cfg.Name, err)
	}
	cert, err := store.GetCertificate()
	if err != nil {
		return nil, fmt.Errorf("tlsctx %q: read certificate: %w", cfg.Name, err)
	}

	pool := x509.NewCertPool()
	if cfg.CACertificateFile != "" {
		if err := addPEMFile(pool, cfg.CACertificateFile); err != nil {
			return nil, fmt.Errorf("tlsctx %q: %w", cfg.Name, err)
		}
	}
	if cfg.CACertificatePath != "" {
		entries, err := os.ReadDir(cfg.CACertificatePath)
		if err != nil {
			return nil, fmt.Errorf("tlsctx %q: read CACertificatePath: %w", cfg.Name, err)
		}
		// Files in the directory that hold no certificate (keys, CRLs,
		// notes) are skipped; the directory must yield at least one.
		found := false
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(cfg.CACertificatePath, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("tlsctx %q: read CA file %q: %w", cfg.Name, e.Name(), err)
			}
			if pool.AppendCertsFromPEM(data) {
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("tlsctx %q: no certificates found in %q", cfg.Name, cfg.CACertificatePath)
		}
	}

	return &Context{
		Name:          cfg.Name,
		cert:          *cert,
		caPool:        pool,
		maxChainDepth: cfg.MaxChainDepth,
	}, nil
}

func addPEMFile(pool *x509.CertPool, path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read CA file %q: %w", path, err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return fmt.Errorf("no certificates found in %q", path)
	}
	return nil
}

// ClientTLSConfig returns a *tls.Config suitable for an outbound dial to
// an upstream RADIUS/TLS server.
func (c *Context) ClientTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.cert},
		RootCAs:      c.caPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}
}

// ServerTLSConfig returns a *tls.Config suitable for the inbound stream
// listener, requiring and verifying a client certificate against this
// context's CA pool.
func (c *Context) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.cert},
		ClientCAs:    c.caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// MaxChainDepth returns the configured chain-depth limit, or 0 if none
// was set. The value is only carried here: neither ClientTLSConfig nor
// ServerTLSConfig enforces it, so chain length is bounded only by what
// crypto/tls itself checks.
func (c *Context) MaxChainDepth() int { return c.maxChainDepth }

// Resolver resolves a configured TLS context name with the
// defaultclient/defaultserver/default fallback chain.
type Resolver struct {
	byName map[string]*Context
}

func NewResolver() *Resolver { return &Resolver{byName: make(map[string]*Context)} }

func (r *Resolver) Add(ctx *Context) { r.byName[ctx.Name] = ctx }

// ResolveClient resolves a Client block's "tls" option: explicit name,
// then "defaultclient", then "default".
func (r *Resolver) ResolveClient(name string) (*Context, bool) {
	return r.resolve(name, "defaultclient")
}

// ResolveServer resolves a Server block's "tls" option: explicit name,
// then "defaultserver", then "default".
func (r *Resolver) ResolveServer(name string) (*Context, bool) {
	return r.resolve(name, "defaultserver")
}

func (r *Resolver) resolve(name, typeDefault string) (*Context, bool) {
	for _, candidate := range []string{name, typeDefault, "default"} {
		if candidate == "" {
			continue
		}
		if ctx, ok := r.byName[candidate]; ok {
			return ctx, true
		}
	}
	return nil, false
}
