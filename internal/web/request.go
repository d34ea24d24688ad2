package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// ErrBodyTooLarge is returned by FromHTTP when the request body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

// Request is the framework view of an incoming HTTP request.
// Params holds query parameters; route parameters are merged in by the dispatcher and win on conflict.
type Request struct {
	Path      string
	Method    Method
	Body      string
	Params    map[string]string
	Header    http.Header
	Host      string
	Subdomain string

	ctx context.Context
}

// FromHTTP converts r into a Request, reading at most maxBody bytes of body.
// maxBody <= 0 disables the limit.
func FromHTTP(r *http.Request, maxBody int64) (*Request, error) {
	var body []byte
	if r.Body != nil {
		reader := io.Reader(r.Body)
		if maxBody > 0 {
			reader = io.LimitReader(r.Body, maxBody+1)
		}
		b, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if maxBody > 0 && int64(len(b)) > maxBody {
			return nil, ErrBodyTooLarge
		}
		body = b
	}

	return &Request{
		Path:   r.URL.Path,
		Method: ParseMethod(r.Method),
		Body:   string(body),
		Params: ParseQuery(r.URL.RawQuery),
		Header: r.Header.Clone(),
		Host:   r.Host,
		ctx:    r.Context(),
	}, nil
}

// ParseQuery splits a raw query string into a map. Pairs without '=' are skipped,
// "k=" yields an empty value and a later duplicate key overwrites an earlier one.
func ParseQuery(raw string) map[string]string {
	params := make(map[string]string)
	if raw == "" {
		return params
	}
	for _, pair := range strings.Split(raw, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			continue
		}
		params[unescape(key)] = unescape(value)
	}
	return params
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// Context returns the request context, never nil.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r using ctx.
func (r *Request) WithContext(ctx context.Context) *Request {
	cp := *r
	cp.ctx = ctx
	return &cp
}

// Param returns a query or route parameter.
func (r *Request) Param(name string) (string, bool) {
	v, ok := r.Params[name]
	return v, ok
}

// Logger returns the request-scoped logger, or a no-op logger when none is attached.
func (r *Request) Logger() *zap.Logger {
	return LoggerFrom(r.Context())
}

// CorrelationID returns the correlation id attached to the request context, if any.
func (r *Request) CorrelationID() string {
	return CorrelationIDFrom(r.Context())
}
