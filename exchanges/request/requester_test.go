package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/buger/jsonparser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuth struct {
	signed bool
	ts     time.Time
}

func (s *stubAuth) SignRequest(req *http.Request, _ []byte, ts time.Time) error {
	s.signed = true
	s.ts = ts
	req.Header.Set("X-Signature", "stub")
	return nil
}

func (s *stubAuth) WSAuthPayload(time.Time) (any, error) { return nil, nil }

type fixedTime struct{ t time.Time }

func (f fixedTime) Now() time.Time { return f.t }

func TestSendPayloadDecodesResult(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "v", r.URL.Query().Get("k"))
		json.NewEncoder(w).Encode(map[string]any{"serverTime": 12345})
	}))
	defer srv.Close()

	r := New("test", srv.Client(), nil)
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	err := r.SendPayload(context.Background(), &Item{
		Method: http.MethodGet,
		Path:   srv.URL,
		Params: url.Values{"k": {"v"}},
		Result: &result,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12345), result.ServerTime)
}

func TestSendPayloadHTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	defer srv.Close()

	r := New("test", srv.Client(), nil)
	err := r.SendPayload(context.Background(), &Item{
		Method: http.MethodGet,
		Path:   srv.URL,
	})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTeapot, httpErr.Status)
	assert.Contains(t, string(httpErr.Body), "Invalid symbol")
}

func TestSendPayloadReturnErrBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2011,"msg":"Unknown order sent."}`)
	}))
	defer srv.Close()

	r := New("test", srv.Client(), nil)
	var raw []byte
	err := r.SendPayload(context.Background(), &Item{
		Method:        http.MethodDelete,
		Path:          srv.URL,
		ReturnErrBody: true,
		RawBody:       &raw,
	})
	require.NoError(t, err, "caller opted into receiving the body instead of an error")
	code, err := jsonparser.GetInt(raw, "code")
	require.NoError(t, err)
	assert.Equal(t, int64(-2011), code)
}

func TestSendPayloadVenueErrorFlag(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ret_code":10001,"result":null}`)
	}))
	defer srv.Close()

	flagged := errors.New("venue error flag set")
	r := New("test", srv.Client(), nil, WithErrorChecker(func(status int, body []byte) error {
		if code, _ := jsonparser.GetInt(body, "ret_code"); code != 0 {
			return fmt.Errorf("%w: ret_code %d", flagged, code)
		}
		return nil
	}))
	err := r.SendPayload(context.Background(), &Item{Method: http.MethodGet, Path: srv.URL})
	assert.ErrorIs(t, err, flagged)
}

func TestSendPayloadSignsWithSyncedTime(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "stub", r.Header.Get("X-Signature"))
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	auth := &stubAuth{}
	synced := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := New("test", srv.Client(), nil,
		WithAuthenticator(auth),
		WithTimeProvider(fixedTime{t: synced}))

	err := r.SendPayload(context.Background(), &Item{
		Method:        http.MethodPost,
		Path:          srv.URL,
		Authenticated: true,
	})
	require.NoError(t, err)
	assert.True(t, auth.signed)
	assert.Equal(t, synced, auth.ts, "signing timestamp must come from the time provider")
}

func TestSendPayloadValidation(t *testing.T) {
	t.Parallel()
	r := New("test", nil, nil)
	assert.ErrorIs(t, r.SendPayload(context.Background(), nil), errItemNil)
	assert.ErrorIs(t, r.SendPayload(context.Background(), &Item{Method: http.MethodGet}), errInvalidPath)
	assert.ErrorIs(t, r.SendPayload(context.Background(), &Item{
		Method: http.MethodGet, Path: "http://localhost", Authenticated: true,
	}), errNoAuthenticator)

	var nilReq *Requester
	assert.ErrorIs(t, nilReq.SendPayload(context.Background(), &Item{}), errRequesterNil)
}

func TestSendPayloadThrottled(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	tt, err := NewThrottler([]RateLimit{{ID: "ep", Capacity: 1, Interval: time.Minute}})
	require.NoError(t, err)
	r := New("test", srv.Client(), tt)

	require.NoError(t, r.SendPayload(context.Background(), &Item{
		Method: http.MethodGet, Path: srv.URL, LimitID: "ep",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.SendPayload(ctx, &Item{
		Method: http.MethodGet, Path: srv.URL, LimitID: "ep",
	}), context.DeadlineExceeded)
}
