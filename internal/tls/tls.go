// Package tls builds the server-side TLS configuration for the status
// endpoint, including self-signed certificates for local use.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File names used inside Config.Dir.
const (
	CACertFile = "tls_ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

// ParseVersion maps "1.2"/"1.3" (optionally prefixed with "tls") to the
// crypto/tls constant. Empty means the default, TLS 1.3.
func ParseVersion(ver string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(ver), "tls") {
	case "", "default":
		return tls.VersionTLS13, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", ver)
}

// Validate reports configuration errors without touching the filesystem.
func (c Config) Validate() error {
	var errs []error
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("cert_file and key_file must be set together"))
	}
	if c.AutoGenerate && c.Dir == "" && c.CertFile == "" {
		errs = append(errs, errors.New("auto_generate needs dir"))
	}
	minV, err := ParseVersion(c.MinVersion)
	if err != nil {
		errs = append(errs, err)
	}
	maxV, err := ParseVersion(c.MaxVersion)
	if err != nil {
		errs = append(errs, err)
	}
	if minV > maxV {
		errs = append(errs, fmt.Errorf("min_version %s above max_version %s", c.MinVersion, c.MaxVersion))
	}
	return errors.Join(errs...)
}

// Setup returns the server TLS configuration, or nil when TLS is not
// configured. Certificates are re-read on every handshake so rotated files
// are picked up without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minV, _ := ParseVersion(c.MinVersion)
	maxV, _ := ParseVersion(c.MaxVersion)

	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		certPath, keyPath = filepath.Join(c.Dir, CertFile), filepath.Join(c.Dir, KeyFile)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := generateInto(c.Dir); err != nil {
				return nil, err
			}
		}
	}
	// fail early on unreadable pairs instead of on the first handshake
	if _, err := loadPair(certPath, keyPath); err != nil {
		return nil, err
	}
	// #nosec G402 min version is configurable down to 1.2
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return loadPair(certPath, keyPath) },
		MinVersion:     minV,
		MaxVersion:     maxV,
	}, nil
}

func loadPair(certPath, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &cert, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generateInto(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create tls dir: %w", err)
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   "localhost",
		Organization: "keepr",
		DNSNames:     []string{"localhost"},
		IPAddresses:  []string{"127.0.0.1", "::1"},
		NotAfter:     time.Now().AddDate(1, 0, 0),
		CertPath:     filepath.Join(dir, CertFile),
		KeyPath:      filepath.Join(dir, KeyFile),
		CACertPath:   filepath.Join(dir, CACertFile),
	})
}
