package proxy

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Meistache/pixelated-dispatcher/internal/metrics"
)

// forwardTimeout bounds both the dial and the wait for response headers.
// A stuck agent must not hold a proxy worker.
const forwardTimeout = time.Second

// forwardedHeaders is the whitelist of agent response headers relayed to
// the browser. Everything else, including agent cookies, is dropped.
var forwardedHeaders = []string{
	"Date",
	"Cache-Control",
	"Server",
	"Content-Type",
	"Location",
}

func newForwardClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: forwardTimeout,
			}).DialContext,
			ResponseHeaderTimeout: forwardTimeout,
			DisableCompression:    true,
		},
		// Agent redirects belong to the browser, not to the proxy.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// forward relays the request to the user's agent on the loopback port and
// streams the response back with filtered headers.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, port int) {
	target := "http://127.0.0.1:" + strconv.Itoa(port) + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		metrics.ProxiedRequests.WithLabelValues("error").Inc()
		http.Error(w, "Internal server error:\n"+err.Error(), http.StatusInternalServerError)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := s.forwardClient.Do(req)
	if err != nil {
		metrics.ProxiedRequests.WithLabelValues("error").Inc()
		s.log.Error("agent request failed", "target", target, "error", err)
		http.Error(w, "Internal server error:\n"+err.Error(), http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	for _, name := range forwardedHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if err := flushingCopy(w, resp.Body); err != nil {
		s.log.Warn("agent response copy aborted", "port", port, "error", err)
	}
	metrics.ProxiedRequests.WithLabelValues(outcomeFor(resp.StatusCode)).Inc()
}

// flushingCopy streams src to w, flushing after every chunk so trickle
// responses reach the browser as they arrive instead of sitting in the
// response buffer.
func flushingCopy(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func outcomeFor(status int) string {
	switch {
	case status < 400:
		return "ok"
	case status < 500:
		return "client_error"
	default:
		return "server_error"
	}
}
