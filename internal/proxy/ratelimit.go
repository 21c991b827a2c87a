package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	maxLoginAttempts = 5 // per IP within the window
	loginWindow      = 5 * time.Minute
	loginLockoutDur  = 30 * time.Minute
)

type attemptWindow struct {
	count     int
	firstAt   time.Time
	blockedAt time.Time // non-zero while locked out
}

// loginLimiter throttles SRP login attempts per client IP. Each failed
// round trip to the provider costs two modular exponentiations, so an
// unthrottled login form is a cheap way to load the provider.
type loginLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptWindow
}

func newLoginLimiter() *loginLimiter {
	return &loginLimiter{attempts: make(map[string]*attemptWindow)}
}

// allow reports whether a login attempt from ip may proceed.
func (l *loginLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	a, ok := l.attempts[ip]
	if !ok {
		l.attempts[ip] = &attemptWindow{count: 1, firstAt: now}
		return true
	}

	if !a.blockedAt.IsZero() {
		if now.Before(a.blockedAt.Add(loginLockoutDur)) {
			return false
		}
		*a = attemptWindow{count: 1, firstAt: now}
		return true
	}

	if now.After(a.firstAt.Add(loginWindow)) {
		*a = attemptWindow{count: 1, firstAt: now}
		return true
	}

	a.count++
	if a.count > maxLoginAttempts {
		a.blockedAt = now
		return false
	}
	return true
}

// recordFailure counts a rejected login against ip.
func (l *loginLimiter) recordFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.attempts[ip]
	if !ok {
		l.attempts[ip] = &attemptWindow{count: 1, firstAt: time.Now()}
		return
	}
	a.count++
	if a.count > maxLoginAttempts {
		a.blockedAt = time.Now()
	}
}

// reset clears the state for ip after a successful login.
func (l *loginLimiter) reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}

// cleanup drops expired windows. Called from a ticker in Run.
func (l *loginLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for ip, a := range l.attempts {
		if !a.blockedAt.IsZero() {
			if now.After(a.blockedAt.Add(loginLockoutDur)) {
				delete(l.attempts, ip)
			}
			continue
		}
		if now.After(a.firstAt.Add(loginWindow)) {
			delete(l.attempts, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
