package leapsrp

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func fingerprintOf(ts *httptest.Server) string {
	sum := sha256.Sum256(ts.Certificate().Raw)
	return hex.EncodeToString(sum[:])
}

func pinnedClient(t *testing.T, fingerprint string) *http.Client {
	t.Helper()
	cfg, err := TLSConfig{Fingerprint: fingerprint}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
}

func TestFingerprintPinAccepts(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	resp, err := pinnedClient(t, fingerprintOf(ts)).Get(ts.URL)
	if err != nil {
		t.Fatalf("pinned request failed: %v", err)
	}
	resp.Body.Close()
}

func TestFingerprintPinAcceptsColonForm(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	fp := fingerprintOf(ts)
	var parts []string
	for i := 0; i < len(fp); i += 2 {
		parts = append(parts, strings.ToUpper(fp[i:i+2]))
	}
	resp, err := pinnedClient(t, strings.Join(parts, ":")).Get(ts.URL)
	if err != nil {
		t.Fatalf("pinned request failed: %v", err)
	}
	resp.Body.Close()
}

func TestFingerprintPinRejectsMismatch(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	wrong := strings.Repeat("ab", 32)
	if _, err := pinnedClient(t, wrong).Get(ts.URL); err == nil {
		t.Fatal("expected TLS failure for wrong fingerprint")
	}
}

func TestFingerprintValidation(t *testing.T) {
	if _, err := (TLSConfig{Fingerprint: "zz"}).Build(); err == nil {
		t.Error("expected error for non-hex fingerprint")
	}
	if _, err := (TLSConfig{Fingerprint: "abcd"}).Build(); err == nil {
		t.Error("expected error for short fingerprint")
	}
}

func TestMissingCABundle(t *testing.T) {
	if _, err := (TLSConfig{CABundle: "/does/not/exist.pem"}).Build(); err == nil {
		t.Error("expected error for missing CA bundle")
	}
}

func TestAutoCABundleUsesSystemRoots(t *testing.T) {
	cfg, err := TLSConfig{CABundle: "auto"}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if cfg.RootCAs != nil {
		t.Error("expected nil RootCAs for system roots")
	}
	if cfg.InsecureSkipVerify {
		t.Error("expected full verification by default")
	}
}
