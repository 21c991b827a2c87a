package leapsrp

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// TLSConfig describes how the provider API's certificate is verified. Used
// for the SRP endpoints and reused by the management client.
type TLSConfig struct {
	// CABundle is a path to a PEM bundle. Empty or "auto" selects the
	// system roots.
	CABundle string
	// SkipHostnameCheck accepts certificates whose subject does not match
	// the dialed host, as long as the chain verifies.
	SkipHostnameCheck bool
	// Fingerprint pins the peer's leaf certificate by its SHA-256 digest
	// (hex, colons allowed). When set, chain and hostname checks are
	// replaced by the pin.
	Fingerprint string
	// Insecure disables certificate verification entirely. Only honored
	// when no fingerprint is pinned.
	Insecure bool
}

// Build turns the description into a tls.Config.
func (c TLSConfig) Build() (*tls.Config, error) {
	if c.Fingerprint != "" {
		want, err := normalizeFingerprint(c.Fingerprint)
		if err != nil {
			return nil, err
		}
		return &tls.Config{
			MinVersion: tls.VersionTLS12,
			// Verification is replaced by the fingerprint pin below.
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: pinVerifier(want),
		}, nil
	}

	if c.Insecure {
		return &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	roots, err := c.rootPool()
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = roots

	if c.SkipHostnameCheck {
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = chainVerifier(roots)
	}
	return cfg, nil
}

func (c TLSConfig) rootPool() (*x509.CertPool, error) {
	if c.CABundle == "" || c.CABundle == "auto" {
		return nil, nil // system roots
	}
	pem, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", c.CABundle)
	}
	return pool, nil
}

func normalizeFingerprint(fp string) ([]byte, error) {
	fp = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
	raw, err := hex.DecodeString(fp)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate fingerprint: %w", err)
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("certificate fingerprint must be SHA-256 (%d bytes), got %d", sha256.Size, len(raw))
	}
	return raw, nil
}

func pinVerifier(want []byte) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no peer certificate")
		}
		got := sha256.Sum256(rawCerts[0])
		for i := range want {
			if got[i] != want[i] {
				return fmt.Errorf("certificate fingerprint mismatch: got %s",
					hex.EncodeToString(got[:]))
			}
		}
		return nil
	}
}

// chainVerifier verifies the chain against roots while ignoring the
// hostname.
func chainVerifier(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no peer certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}
