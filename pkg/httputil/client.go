// Package httputil provides the shared HTTP plumbing for outbound
// model-provider calls: pooled transports, timeout-tiered clients, and
// safe response body handling.
package httputil

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// MaxResponseSize caps how much of a provider response we read.
// Protects the gateway from a runaway or hostile upstream.
const MaxResponseSize = 10 * 1024 * 1024 // 10MB

// Shared transport with connection pooling. Safe for concurrent use;
// reusing TCP connections matters when every scored request may also
// hit a provider.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// TimeoutTier selects a client by what the call is for.
type TimeoutTier int

const (
	// TierHealth for provider liveness probes (5s).
	TierHealth TimeoutTier = iota
	// TierAPI for standard control-plane calls (30s).
	TierAPI
	// TierModel for model generation, which can be slow (60s).
	TierModel
)

var timeoutDurations = map[TimeoutTier]time.Duration{
	TierHealth: 5 * time.Second,
	TierAPI:    30 * time.Second,
	TierModel:  60 * time.Second,
}

// Singleton clients per tier, initialized once and shared everywhere.
var (
	clientHealth *http.Client
	clientAPI    *http.Client
	clientModel  *http.Client
	clientStream *http.Client
	clientOnce   sync.Once
)

func initClients() {
	clientHealth = &http.Client{
		Timeout:   timeoutDurations[TierHealth],
		Transport: sharedTransport,
	}
	clientAPI = &http.Client{
		Timeout:   timeoutDurations[TierAPI],
		Transport: sharedTransport,
	}
	clientModel = &http.Client{
		Timeout:   timeoutDurations[TierModel],
		Transport: sharedTransport,
	}
	// No overall timeout: a healthy token stream can outlive any fixed
	// deadline. Cancellation comes from the request context.
	clientStream = &http.Client{
		Transport: sharedTransport,
	}
}

// Client returns the shared HTTP client for a timeout tier. Use these
// instead of constructing http.Client per request; they share one
// connection pool.
func Client(tier TimeoutTier) *http.Client {
	clientOnce.Do(initClients)
	switch tier {
	case TierHealth:
		return clientHealth
	case TierModel:
		return clientModel
	default:
		return clientAPI
	}
}

// ModelClient returns the 60s client used for blocking generation
// calls.
func ModelClient() *http.Client {
	return Client(TierModel)
}

// StreamClient returns the deadline-free client for streaming
// generation. Callers must pass a cancellable context on the request.
func StreamClient() *http.Client {
	clientOnce.Do(initClients)
	return clientStream
}

// NewClient returns a client on the shared transport with a custom
// timeout, for callers whose deadline is configured rather than tiered.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: sharedTransport}
}

// Timeout reports the configured duration for a tier.
func Timeout(tier TimeoutTier) time.Duration {
	if d, ok := timeoutDurations[tier]; ok {
		return d
	}
	return timeoutDurations[TierAPI]
}

// ReadResponseBody reads a response body with a size cap.
func ReadResponseBody(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// ReadErrorBody reads a response body for error reporting. Errors
// should be short; 1MB is already generous.
func ReadErrorBody(r io.Reader) ([]byte, error) {
	const maxErrorSize = 1 * 1024 * 1024
	return io.ReadAll(io.LimitReader(r, maxErrorSize))
}

// DrainAndClose drains and closes a response body so the connection
// returns to the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
		_ = body.Close()
	}
}
