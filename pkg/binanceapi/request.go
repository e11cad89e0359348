package binanceapi

import (
	"fmt"
	"net/url"
	"time"

	"github.com/quantbase/binancex/pkg/ratelimit"
)

// Security declares how a request authenticates, mirroring the venue's
// endpoint security types.
type Security int

const (
	// SecurityNone needs neither API key nor signature.
	SecurityNone Security = iota

	// SecurityAPIKey attaches the API key header but no signature
	// (listen-key endpoints).
	SecurityAPIKey

	// SecuritySigned attaches the API key header plus a timestamped
	// HMAC signature over the parameters.
	SecuritySigned
)

var validMethods = map[string]struct{}{
	"GET":    {},
	"POST":   {},
	"PUT":    {},
	"DELETE": {},
}

// Request is an immutable descriptor of one outbound API call. Wrapper code
// builds it once; the Executor consumes it. Validation happens at
// construction so malformed requests fail before they spend quota.
type Request struct {
	Method    string
	Path      string
	Params    url.Values
	LimitKind ratelimit.LimitKind
	Weight    int
	Security  Security

	// Timeout overrides the client's default per-attempt timeout when
	// non-zero.
	Timeout time.Duration
}

// NewRequest builds a request charged against the REQUEST_WEIGHT bucket with
// weight 1. Use the With* helpers for anything else.
func NewRequest(method, path string, params url.Values) (Request, error) {
	if _, ok := validMethods[method]; !ok {
		return Request{}, fmt.Errorf("binanceapi: unsupported method %q", method)
	}
	if path == "" {
		return Request{}, fmt.Errorf("binanceapi: empty request path")
	}

	if params == nil {
		params = url.Values{}
	}

	return Request{
		Method:    method,
		Path:      path,
		Params:    params,
		LimitKind: ratelimit.RequestWeight,
		Weight:    1,
	}, nil
}

// WithWeight returns a copy charged with the given weight.
func (r Request) WithWeight(weight int) Request {
	r.Weight = weight
	return r
}

// WithLimitKind returns a copy charged against a different bucket kind.
func (r Request) WithLimitKind(kind ratelimit.LimitKind) Request {
	r.LimitKind = kind
	return r
}

// WithSecurity returns a copy with the given security level.
func (r Request) WithSecurity(s Security) Request {
	r.Security = s
	return r
}

// WithTimeout returns a copy with a per-attempt timeout override.
func (r Request) WithTimeout(d time.Duration) Request {
	r.Timeout = d
	return r
}

func (r Request) validate() error {
	if _, ok := validMethods[r.Method]; !ok {
		return fmt.Errorf("binanceapi: unsupported method %q", r.Method)
	}
	if r.Path == "" {
		return fmt.Errorf("binanceapi: empty request path")
	}
	if r.Weight <= 0 {
		return ratelimit.ErrInvalidWeight
	}
	return nil
}
