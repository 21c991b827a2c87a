package leapsrp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tadglines/go-pkgs/crypto/srp"
)

// providerStub is an in-memory LEAP provider API speaking the SRP session
// endpoints.
type providerStub struct {
	mu       sync.Mutex
	srp      *srp.SRP
	accounts map[string]struct{ salt, verifier []byte }
	sessions map[string]*srp.ServerSession
	zeroB    bool // respond with B=0 to provoke rejection
}

func newProviderStub(t *testing.T) *providerStub {
	t.Helper()
	s, err := srp.NewSRP(srpGroup, sha256.New, nil)
	if err != nil {
		t.Fatalf("srp setup: %v", err)
	}
	return &providerStub{
		srp:      s,
		accounts: make(map[string]struct{ salt, verifier []byte }),
		sessions: make(map[string]*srp.ServerSession),
	}
}

func (p *providerStub) addUser(t *testing.T, login, password string) {
	t.Helper()
	salt, verifier, err := p.srp.ComputeVerifier([]byte(password))
	if err != nil {
		t.Fatalf("compute verifier: %v", err)
	}
	p.accounts[login] = struct{ salt, verifier []byte }{salt, verifier}
}

func (p *providerStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /1/sessions", p.handshake)
	mux.HandleFunc("POST /1/sessions/{login}", p.verify)
	mux.HandleFunc("POST /1/users", p.register)
	return mux
}

func (p *providerStub) handshake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Login string `json:"login"`
		A     string `json:"A"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.accounts[req.Login]
	if !ok {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	if p.zeroB {
		json.NewEncoder(w).Encode(map[string]string{
			"salt": hex.EncodeToString(acct.salt),
			"B":    "00",
		})
		return
	}
	clientA, err := hex.DecodeString(req.A)
	if err != nil {
		http.Error(w, "bad A", http.StatusBadRequest)
		return
	}
	ss := p.srp.NewServerSession([]byte(req.Login), acct.salt, acct.verifier)
	b := ss.GetB()
	if _, err := ss.ComputeKey(clientA); err != nil {
		http.Error(w, "bad A", http.StatusBadRequest)
		return
	}
	p.sessions[req.Login] = ss
	json.NewEncoder(w).Encode(map[string]string{
		"salt": hex.EncodeToString(acct.salt),
		"B":    hex.EncodeToString(b),
	})
}

func (p *providerStub) verify(w http.ResponseWriter, r *http.Request) {
	login := r.PathValue("login")
	var req struct {
		ClientAuth string `json:"client_auth"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	p.mu.Lock()
	ss := p.sessions[login]
	p.mu.Unlock()
	if ss == nil {
		http.Error(w, "no handshake", http.StatusNotFound)
		return
	}
	cauth, err := hex.DecodeString(req.ClientAuth)
	if err != nil {
		http.Error(w, "bad client_auth", http.StatusBadRequest)
		return
	}
	if !ss.VerifyClientAuthenticator(cauth) {
		http.Error(w, "wrong password", http.StatusUnprocessableEntity)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "_session_id", Value: "stub-session"})
	json.NewEncoder(w).Encode(map[string]string{
		"M2":    hex.EncodeToString(ss.ComputeAuthenticator(cauth)),
		"id":    "42",
		"token": "stub-token",
	})
}

func (p *providerStub) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Login            string `json:"login"`
		PasswordVerifier string `json:"password_verifier"`
		PasswordSalt     string `json:"password_salt"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[req.Login]; ok {
		http.Error(w, "taken", http.StatusUnprocessableEntity)
		return
	}
	salt, _ := hex.DecodeString(req.PasswordSalt)
	verifier, _ := hex.DecodeString(req.PasswordVerifier)
	p.accounts[req.Login] = struct{ salt, verifier []byte }{salt, verifier}
	w.WriteHeader(http.StatusCreated)
}

func TestAuthenticateSuccess(t *testing.T) {
	stub := newProviderStub(t)
	stub.addUser(t, "alice", "s3cret")
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	a := New(ts.URL, TLSConfig{})
	session, err := a.Authenticate(context.Background(), "alice", "s3cret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if session.Token != "stub-token" || session.ID != "42" {
		t.Errorf("unexpected session %+v", session)
	}
	if session.SessionID != "stub-session" {
		t.Errorf("expected provider session cookie, got %q", session.SessionID)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	stub := newProviderStub(t)
	stub.addUser(t, "alice", "s3cret")
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	_, err := New(ts.URL, TLSConfig{}).Authenticate(context.Background(), "alice", "wrong")
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	stub := newProviderStub(t)
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	_, err := New(ts.URL, TLSConfig{}).Authenticate(context.Background(), "nobody", "pw")
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestAuthenticateRejectsZeroB(t *testing.T) {
	stub := newProviderStub(t)
	stub.addUser(t, "alice", "s3cret")
	stub.zeroB = true
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	_, err := New(ts.URL, TLSConfig{}).Authenticate(context.Background(), "alice", "s3cret")
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed for zero ephemeral, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "ephemeral") {
		t.Errorf("expected ephemeral rejection, got %v", err)
	}
}

func TestRegisterThenAuthenticate(t *testing.T) {
	stub := newProviderStub(t)
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	a := New(ts.URL, TLSConfig{})
	ctx := context.Background()
	if err := a.Register(ctx, "bob", "hunter2"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := a.Authenticate(ctx, "bob", "hunter2"); err != nil {
		t.Errorf("Authenticate after Register failed: %v", err)
	}
}

func TestRegisterTakenLogin(t *testing.T) {
	stub := newProviderStub(t)
	stub.addUser(t, "alice", "s3cret")
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	err := New(ts.URL, TLSConfig{}).Register(context.Background(), "alice", "other")
	if !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestRegisterServerErrorIsAuthFailed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	err := New(ts.URL, TLSConfig{}).Register(context.Background(), "alice", "s3cret")
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed for provider 500, got %v", err)
	}
}

func TestTimeoutIsAuthFailed(t *testing.T) {
	stall := make(chan struct{})
	defer close(stall)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-stall:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()

	a := New(ts.URL, TLSConfig{}).WithTimeout(200 * time.Millisecond)
	if _, err := a.Authenticate(context.Background(), "alice", "s3cret"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed for authenticate timeout, got %v", err)
	}
	if err := a.Register(context.Background(), "alice", "s3cret"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed for register timeout, got %v", err)
	}
}

func TestDecodeHexOddLength(t *testing.T) {
	got, err := decodeHex("abc")
	if err != nil {
		t.Fatalf("decodeHex failed: %v", err)
	}
	if hex.EncodeToString(got) != "0abc" {
		t.Errorf("unexpected decode %x", got)
	}
}
