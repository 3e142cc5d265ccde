package request

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidemark-io/tidemark/log"
)

// DefaultTimeout is applied to REST calls that do not set their own
const DefaultTimeout = 10 * time.Second

// drainBodyLimit caps how much of an abandoned response body is read so the
// connection can be reused
const drainBodyLimit = 1 << 20

var (
	errRequesterNil     = errors.New("requester is nil")
	errItemNil          = errors.New("request item is nil")
	errInvalidPath      = errors.New("invalid request path")
	errNoAuthenticator  = errors.New("authenticated request without an authenticator")
)

// HTTPError carries the status code and raw body of a failed REST call; the
// venue error flag checker can also produce one for 200-status failures.
type HTTPError struct {
	Venue  string
	Status int
	Body   []byte
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s unsuccessful HTTP status code: %d raw response: %s",
		e.Venue, e.Status, string(e.Body))
}

// Authenticator signs REST requests and produces websocket auth payloads
// with venue-specific HMAC schemes. The signing timestamp comes from the
// time synchronizer to sidestep clock-skew auth failures.
type Authenticator interface {
	SignRequest(req *http.Request, body []byte, ts time.Time) error
	WSAuthPayload(ts time.Time) (any, error)
}

// TimeProvider supplies server-adjusted time for request signing
type TimeProvider interface {
	Now() time.Time
}

// localTime is the fallback TimeProvider
type localTime struct{}

func (localTime) Now() time.Time { return time.Now() }

// ErrorChecker inspects a decoded 2xx body for a venue-specific error flag
// (e.g. ret_code != 0) and returns a typed error when set
type ErrorChecker func(status int, body []byte) error

// Requester wraps REST traffic for one venue behind the throttler and the
// authenticator
type Requester struct {
	name      string
	client    *http.Client
	throttler *Throttler
	auth      Authenticator
	timeSrc   TimeProvider
	errCheck  ErrorChecker
	userAgent string
	verbose   bool
}

// RequesterOption configures optional Requester behaviour
type RequesterOption func(*Requester)

// WithAuthenticator attaches the venue request signer
func WithAuthenticator(a Authenticator) RequesterOption {
	return func(r *Requester) { r.auth = a }
}

// WithTimeProvider attaches a server-adjusted clock used for signing
func WithTimeProvider(tp TimeProvider) RequesterOption {
	return func(r *Requester) { r.timeSrc = tp }
}

// WithErrorChecker attaches the venue body error flag inspection
func WithErrorChecker(c ErrorChecker) RequesterOption {
	return func(r *Requester) { r.errCheck = c }
}

// WithUserAgent sets the outbound user agent header
func WithUserAgent(ua string) RequesterOption {
	return func(r *Requester) { r.userAgent = ua }
}

// WithVerbose enables request/response logging
func WithVerbose() RequesterOption {
	return func(r *Requester) { r.verbose = true }
}

// New returns a new Requester. A nil client gets a pooled default with the
// package timeout.
func New(name string, client *http.Client, throttler *Throttler, opts ...RequesterOption) *Requester {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	r := &Requester{
		name:      name,
		client:    client,
		throttler: throttler,
		timeSrc:   localTime{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Item is a single REST call specification
type Item struct {
	Method        string
	Path          string
	Params        url.Values
	Headers       map[string]string
	Body          any
	Result        any
	Authenticated bool
	LimitID       string
	Timeout       time.Duration

	// ReturnErrBody suppresses the HTTPError for non-2xx statuses and hands
	// the raw body back through RawBody instead
	ReturnErrBody bool
	RawBody       *[]byte
}

// SendPayload performs the REST call described by item: throttle, sign,
// execute, decode. No automatic retry happens at this layer.
func (r *Requester) SendPayload(ctx context.Context, item *Item) error {
	if r == nil {
		return errRequesterNil
	}
	if item == nil {
		return errItemNil
	}
	if item.Path == "" {
		return errInvalidPath
	}
	if item.Authenticated && r.auth == nil {
		return fmt.Errorf("%s: %w", r.name, errNoAuthenticator)
	}

	if item.LimitID != "" && r.throttler != nil {
		if err := r.throttler.Acquire(ctx, item.LimitID); err != nil {
			return err
		}
	}

	timeout := item.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyBytes []byte
	if item.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(item.Body)
		if err != nil {
			return fmt.Errorf("%s marshalling request body: %w", r.name, err)
		}
	}

	path := item.Path
	if len(item.Params) > 0 {
		path += "?" + item.Params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, item.Method, path, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	for k, v := range item.Headers {
		req.Header.Set(k, v)
	}
	if item.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	if item.Authenticated {
		if err := r.auth.SignRequest(req, bodyBytes, r.timeSrc.Now()); err != nil {
			return fmt.Errorf("%s signing request: %w", r.name, err)
		}
	}

	if r.verbose {
		log.Debugf(log.RequestSys, "%s sending %s request to %s", r.name, item.Method, item.Path)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainBodyLimit))
		resp.Body.Close()
	}()

	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if item.RawBody != nil {
		*item.RawBody = contents
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		if item.ReturnErrBody {
			return nil
		}
		return &HTTPError{Venue: r.name, Status: resp.StatusCode, Body: contents}
	}

	if r.errCheck != nil {
		if err := r.errCheck(resp.StatusCode, contents); err != nil {
			if item.ReturnErrBody {
				return nil
			}
			return err
		}
	}

	if r.verbose {
		log.Debugf(log.RequestSys, "%s HTTP status: %d raw response: %s", r.name, resp.StatusCode, string(contents))
	}

	if item.Result != nil {
		return json.Unmarshal(contents, item.Result)
	}
	return nil
}
