package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"
)

const recvWindow = "5000"

var errNoWSAuth = errors.New("binance authenticates streams via listen keys, not payloads")

// Auth signs REST requests with the venue's HMAC-SHA256 scheme: the query
// string plus body is the signing payload, the signature rides as a query
// parameter and the API key as a header.
type Auth struct {
	APIKey string
	Secret string
}

// SignRequest implements request.Authenticator
func (a *Auth) SignRequest(req *http.Request, body []byte, ts time.Time) error {
	q := req.URL.Query()
	q.Set("timestamp", strconv.FormatInt(ts.UnixMilli(), 10))
	q.Set("recvWindow", recvWindow)
	req.URL.RawQuery = q.Encode()

	payload := req.URL.RawQuery + string(body)
	req.URL.RawQuery += "&signature=" + a.sign(payload)
	req.Header.Set("X-MBX-APIKEY", a.APIKey)
	return nil
}

// WSAuthPayload implements request.Authenticator; the venue has no stream
// auth handshake
func (a *Auth) WSAuthPayload(time.Time) (any, error) {
	return nil, errNoWSAuth
}

func (a *Auth) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(a.Secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
