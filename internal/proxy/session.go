package proxy

import (
	"crypto/sha256"
	"net/http"

	"github.com/gorilla/securecookie"
)

// SessionCookie carries the authenticated login name, signed and encrypted.
const SessionCookie = "pixelated_user"

// sessionMaxAge bounds both the cookie and the validity of its signature.
const sessionMaxAge = 24 * 60 * 60 // seconds

type sessionPayload struct {
	User string `json:"user"`
}

// Sessions encodes and decodes the proxy's session cookie.
type Sessions struct {
	sc *securecookie.SecureCookie
}

// NewSessions creates the session codec. With an empty seed the keys are
// random per process, which invalidates sessions across restarts.
func NewSessions(seed string) *Sessions {
	var hashKey, blockKey []byte
	if seed != "" {
		h := sha256.Sum256([]byte(seed + ":hash"))
		b := sha256.Sum256([]byte(seed + ":block"))
		hashKey, blockKey = h[:], b[:]
	} else {
		hashKey = securecookie.GenerateRandomKey(64)
		blockKey = securecookie.GenerateRandomKey(32)
	}
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(sessionMaxAge)
	return &Sessions{sc: sc}
}

// Set writes the session cookie for user.
func (s *Sessions) Set(w http.ResponseWriter, user string) error {
	encoded, err := s.sc.Encode(SessionCookie, sessionPayload{User: user})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    encoded,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// User returns the login name of the authenticated session, if any.
func (s *Sessions) User(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", false
	}
	var payload sessionPayload
	if err := s.sc.Decode(SessionCookie, cookie.Value, &payload); err != nil {
		return "", false
	}
	return payload.User, payload.User != ""
}

// Clear expires the session cookie.
func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
	})
}
