package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker"
	"golang.org/x/net/http2"

	log "github.com/nghyane/pi-model-selector/internal/logging"
)

// CallTimeout is the per-request deadline every probe call runs under.
const CallTimeout = 10 * time.Second

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

// SharedTransport returns the pooled HTTP/2-capable transport shared by all
// probes. Compression is handled manually so cached Copilot bodies stay
// byte-identical to what produced the ETag.
func SharedTransport() *http.Transport {
	sharedTransportOnce.Do(func() {
		t := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
			DisableCompression:  true,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		}
		if h2, err := http2.ConfigureTransports(t); err == nil {
			h2.ReadIdleTimeout = 30 * time.Second
			h2.PingTimeout = 15 * time.Second
		}
		sharedTransport = t
	})
	return sharedTransport
}

// Response is the normalized result of one probe HTTP call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client issues probe HTTP calls with a per-call timeout, one retry on
// transient network failure, and a per-provider circuit breaker. Rate-limit
// and auth statuses are terminal: they carry semantics the probes handle.
type Client struct {
	hc       *http.Client
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	retry    retrypolicy.RetryPolicy[*Response]
}

// NewClient creates a probe client. A nil base uses the shared transport.
func NewClient(base *http.Client) *Client {
	if base == nil {
		base = &http.Client{Transport: SharedTransport()}
	}
	retry := retrypolicy.NewBuilder[*Response]().
		WithMaxRetries(1).
		WithDelay(250 * time.Millisecond).
		HandleIf(func(_ *Response, err error) bool {
			// Retry only transport-level failures that are not deadline
			// expiry; HTTP statuses are never retried here.
			return err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
		}).
		Build()
	return &Client{
		hc:       base,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		retry:    retry,
	}
}

func (c *Client) breaker(name string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 4
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Debugf("probe: breaker %s %s -> %s", name, from, to)
		},
	})
	c.breakers[name] = cb
	return cb
}

// Do performs the request under the per-call timeout. breakerName groups
// calls for circuit breaking, normally the provider ID.
func (c *Client) Do(ctx context.Context, breakerName string, build func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	result, err := c.breaker(breakerName).Execute(func() (any, error) {
		return failsafe.With(c.retry).WithContext(callCtx).Get(func() (*Response, error) {
			req, err := build(callCtx)
			if err != nil {
				return nil, err
			}
			return c.roundTrip(req)
		})
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

func (c *Client) roundTrip(req *http.Request) (*Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, br")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func decodeBody(resp *http.Response) ([]byte, error) {
	const maxBody = 4 << 20
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(io.LimitReader(zr, maxBody))
	case "br":
		return io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(raw)), maxBody))
	default:
		return raw, nil
	}
}

// IsTimeout reports whether the error is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
