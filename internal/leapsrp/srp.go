// Package leapsrp speaks the LEAP provider's SRP-6a authentication API. The
// dispatcher never sees more of the password than the SRP exchange reveals.
package leapsrp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tadglines/go-pkgs/crypto/srp"
)

const (
	// srpGroup is the RFC 5054 1024-bit group used by LEAP providers.
	srpGroup = "rfc5054.1024"

	// apiVersion prefixes every provider API path.
	apiVersion = "1"

	// DefaultTimeout bounds one full authentication exchange.
	DefaultTimeout = 15 * time.Second

	sessionCookieName = "_session_id"
)

var (
	// ErrAuthFailed covers every way the SRP exchange can fail: unknown
	// user, wrong password, or a server that does not prove knowledge of
	// the verifier.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrUserExists is returned when registering a taken login name.
	ErrUserExists = errors.New("user already exists")
)

// Session is the provider-side session won by a successful authentication.
type Session struct {
	Username  string
	ID        string
	Token     string
	SessionID string // value of the provider's _session_id cookie
}

// Authenticator authenticates and registers users against one LEAP provider
// API endpoint.
type Authenticator struct {
	baseURL string
	timeout time.Duration
	tlsCfg  TLSConfig

	once   sync.Once
	client *http.Client
	cliErr error
}

// New creates an authenticator for the provider API at baseURL, e.g.
// "https://api.example.org:4430".
func New(baseURL string, tlsCfg TLSConfig) *Authenticator {
	return &Authenticator{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		tlsCfg:  tlsCfg,
	}
}

// WithTimeout overrides the per-request timeout. Must be called before the
// first request.
func (a *Authenticator) WithTimeout(d time.Duration) *Authenticator {
	a.timeout = d
	return a
}

func (a *Authenticator) httpClient() (*http.Client, error) {
	a.once.Do(func() {
		cfg, err := a.tlsCfg.Build()
		if err != nil {
			a.cliErr = err
			return
		}
		a.client = &http.Client{
			Timeout:   a.timeout,
			Transport: &http.Transport{TLSClientConfig: cfg},
		}
	})
	return a.client, a.cliErr
}

type handshakeRequest struct {
	Login string `json:"login"`
	A     string `json:"A"`
}

type handshakeResponse struct {
	Salt string `json:"salt"`
	B    string `json:"B"`
}

type verifyRequest struct {
	ClientAuth string `json:"client_auth"`
}

type verifyResponse struct {
	M2    string `json:"M2"`
	ID    string `json:"id"`
	Token string `json:"token"`
}

// Authenticate runs the SRP-6a exchange for the given credentials and
// returns the won session. Any protocol-level failure maps to ErrAuthFailed;
// transport failures are returned as-is.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*Session, error) {
	// The nil key derivation hashes only salt and password into x. Register
	// uses the same derivation, so verifier and session agree. A provider
	// whose verifiers mix the login into x needs a matching derivation
	// function here and in Register.
	s, err := srp.NewSRP(srpGroup, sha256.New, nil)
	if err != nil {
		return nil, fmt.Errorf("srp setup: %w", err)
	}
	cs := s.NewClientSession([]byte(username), []byte(password))

	var hs handshakeResponse
	status, _, err := a.postJSON(ctx, "/"+apiVersion+"/sessions",
		handshakeRequest{Login: username, A: hex.EncodeToString(cs.GetA())}, &hs)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: handshake rejected for %s", ErrAuthFailed, username)
	}

	salt, err := decodeHex(hs.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad salt", ErrAuthFailed)
	}
	b, err := decodeHex(hs.B)
	if err != nil {
		return nil, fmt.Errorf("%w: bad server ephemeral", ErrAuthFailed)
	}
	// A server ephemeral of B == 0 (mod N) would let the server skip
	// knowing the verifier.
	if new(big.Int).Mod(new(big.Int).SetBytes(b), s.Group.Prime).Sign() == 0 {
		return nil, fmt.Errorf("%w: invalid server ephemeral", ErrAuthFailed)
	}
	if _, err := cs.ComputeKey(salt, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	var vr verifyResponse
	status, cookies, err := a.postJSON(ctx, "/"+apiVersion+"/sessions/"+username,
		verifyRequest{ClientAuth: hex.EncodeToString(cs.ComputeAuthenticator())}, &vr)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: wrong credentials for %s", ErrAuthFailed, username)
	}

	m2, err := decodeHex(vr.M2)
	if err != nil || !cs.VerifyServerAuthenticator(m2) {
		return nil, fmt.Errorf("%w: server did not prove session key", ErrAuthFailed)
	}

	session := &Session{Username: username, ID: vr.ID, Token: vr.Token}
	for _, c := range cookies {
		if c.Name == sessionCookieName {
			session.SessionID = c.Value
		}
	}
	return session, nil
}

type registerRequest struct {
	Login            string `json:"login"`
	PasswordVerifier string `json:"password_verifier"`
	PasswordSalt     string `json:"password_salt"`
}

// Register creates the user account at the provider. The provider only ever
// learns salt and verifier, never the password.
func (a *Authenticator) Register(ctx context.Context, username, password string) error {
	s, err := srp.NewSRP(srpGroup, sha256.New, nil)
	if err != nil {
		return fmt.Errorf("srp setup: %w", err)
	}
	salt, verifier, err := s.ComputeVerifier([]byte(password))
	if err != nil {
		return fmt.Errorf("compute verifier: %w", err)
	}

	status, _, err := a.postJSON(ctx, "/"+apiVersion+"/users", registerRequest{
		Login:            username,
		PasswordVerifier: hex.EncodeToString(verifier),
		PasswordSalt:     hex.EncodeToString(salt),
	}, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrUserExists, username)
	default:
		return fmt.Errorf("%w: registration of %s rejected with status %d", ErrAuthFailed, username, status)
	}
}

// postJSON posts a JSON body and decodes a JSON response into out (when
// non-nil and the response has a body).
func (a *Authenticator) postJSON(ctx context.Context, path string, in, out any) (int, []*http.Cookie, error) {
	client, err := a.httpClient()
	if err != nil {
		return 0, nil, err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// A provider that does not answer in time cannot prove anything.
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return 0, nil, fmt.Errorf("%w: provider request timed out: %v", ErrAuthFailed, err)
		}
		return 0, nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, resp.Cookies(), fmt.Errorf("decode provider response: %w", err)
		}
	}
	return resp.StatusCode, resp.Cookies(), nil
}

// decodeHex accepts the provider's loose hex encoding: optional whitespace
// and odd-length strings.
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}
