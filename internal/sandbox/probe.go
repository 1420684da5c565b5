package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/d5/tengo/v2"

	"sentinel/internal/exchange"
)

// ProbeRequest is an outbound verification request issued by a plugin.
type ProbeRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

type ProbeResponse struct {
	Status  int
	Headers map[string]string
	Body    string
}

// Prober sends plugin verification traffic.
type Prober interface {
	Probe(ctx context.Context, pluginID string, req ProbeRequest) (ProbeResponse, error)
}

// RateLimiter is the slice of the governor the prober depends on.
type RateLimiter interface {
	RateLimitedWait(ctx context.Context, key string) error
}

// HTTPProber throttles per target host and always tags requests with the
// sentinel marker so they never re-enter the scan path.
type HTTPProber struct {
	Client  *http.Client
	Limiter RateLimiter
	MaxBody int64
}

func (p *HTTPProber) Probe(ctx context.Context, pluginID string, pr ProbeRequest) (ProbeResponse, error) {
	u, err := url.Parse(pr.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ProbeResponse{}, fmt.Errorf("probe: invalid url %q", pr.URL)
	}
	if p.Limiter != nil {
		if err := p.Limiter.RateLimitedWait(ctx, u.Host); err != nil {
			return ProbeResponse{}, err
		}
	}
	method := strings.ToUpper(strings.TrimSpace(pr.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if pr.Body != "" {
		body = strings.NewReader(pr.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return ProbeResponse{}, err
	}
	for k, v := range pr.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(exchange.SentinelHeader, "true")
	req.Header.Set("X-Sentinel-Plugin", pluginID)

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return ProbeResponse{}, err
	}
	defer resp.Body.Close()

	max := p.MaxBody
	if max <= 0 {
		max = 1 << 20
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, max))
	if err != nil && !errors.Is(err, io.EOF) {
		return ProbeResponse{}, err
	}
	out := ProbeResponse{Status: resp.StatusCode, Headers: map[string]string{}, Body: string(b)}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

// probeFunc binds probe() for one invocation. Failures are returned to the
// script as error values so a plugin can handle an unreachable target.
func (iso *Isolate) probeFunc(ctx context.Context, prober Prober) tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 1 {
			return nil, tengo.ErrWrongNumArguments
		}
		if !iso.Allows(CapProbe) {
			return errObject(fmt.Errorf("%w: %s", ErrCapabilityDenied, CapProbe)), nil
		}
		if prober == nil {
			return errObject(errors.New("probe unavailable")), nil
		}
		m, ok := tengo.ToInterface(args[0]).(map[string]interface{})
		if !ok {
			return nil, tengo.ErrInvalidArgumentType{Name: "request", Expected: "map", Found: args[0].TypeName()}
		}
		req := ProbeRequest{Method: str(m["method"]), URL: str(m["url"]), Body: str(m["body"])}
		if hm, ok := m["headers"].(map[string]interface{}); ok {
			req.Headers = make(map[string]string, len(hm))
			for k, v := range hm {
				req.Headers[k] = str(v)
			}
		}
		resp, err := prober.Probe(ctx, iso.id, req)
		if err != nil {
			return errObject(err), nil
		}
		headers := make(map[string]interface{}, len(resp.Headers))
		for k, v := range resp.Headers {
			headers[k] = v
		}
		return tengo.FromInterface(map[string]interface{}{
			"status":  resp.Status,
			"headers": headers,
			"body":    resp.Body,
		})
	}
}

func errObject(err error) tengo.Object {
	return &tengo.Error{Value: &tengo.String{Value: err.Error()}}
}
