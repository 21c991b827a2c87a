package proxy

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

const xsrfCookie = "_xsrf"

// xsrfToken returns the request's XSRF token, minting and setting the
// cookie when absent. Double-submit: the token travels both as a cookie and
// as a form field.
func xsrfToken(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(xsrfCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	buf := make([]byte, 16)
	rand.Read(buf)
	token := hex.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     xsrfCookie,
		Value:    token,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
	return token
}

// checkXSRF verifies the cookie/form token pair on state-changing requests.
func checkXSRF(r *http.Request) bool {
	cookie, err := r.Cookie(xsrfCookie)
	if err != nil || cookie.Value == "" {
		return false
	}
	field := r.FormValue("_xsrf")
	if field == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(field)) == 1
}
