// Package bybit hosts the Bybit V5 REST and websocket connectivity.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	mainnetREST = "https://api.bybit.com"
	testnetREST = "https://api-testnet.bybit.com"

	mainnetPublicWS  = "wss://stream.bybit.com/v5/public/linear"
	testnetPublicWS  = "wss://stream-testnet.bybit.com/v5/public/linear"
	mainnetPrivateWS = "wss://stream.bybit.com/v5/private"
	testnetPrivateWS = "wss://stream-testnet.bybit.com/v5/private"

	recvWindowMs = 10_000

	// CategoryLinear is the only product category this bot trades.
	CategoryLinear = "linear"
)

// Error code classes from the V5 API.
const (
	retCodeOK        = 0
	retCodeRateLimit = 10006
)

// nonRetryableCodes are logic, parameter, or balance failures that a retry
// can never fix.
var nonRetryableCodes = map[int]struct{}{
	10001:  {}, // invalid parameters
	10002:  {}, // logic error
	10004:  {}, // invalid api key / permissions
	10005:  {}, // invalid signature
	110001: {}, // category required
	110006: {}, // cannot settle
	110007: {}, // insufficient available balance
	110012: {}, // insufficient margin
	110013: {}, // cannot set leverage
	110017: {}, // reduce-only rule violated
	110020: {}, // too many open orders
	110043: {}, // SL/TP unchanged or not settable
}

// APIError carries the exchange status for classification by the retry policy.
type APIError struct {
	HTTPStatus int
	RetCode    int
	RetMsg     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit api: status=%d retCode=%d msg=%q", e.HTTPStatus, e.RetCode, e.RetMsg)
}

// Retryable reports whether the failure class is worth retrying: server-side
// errors and rate limiting yes, request/logic errors no.
func (e *APIError) Retryable() bool {
	if e.HTTPStatus >= 500 || e.HTTPStatus == http.StatusTooManyRequests {
		return true
	}
	if _, ok := nonRetryableCodes[e.RetCode]; ok {
		return false
	}
	return e.RetCode == retCodeRateLimit
}

// IsRetryable classifies any error for the order retry policy. Network-level
// failures (no APIError) are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable()
	}
	return true
}

// Credentials hold the API key pair used for signed endpoints.
type Credentials struct {
	Key    string
	Secret string
}

// Client talks to the Bybit V5 REST API.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	log     zerolog.Logger
	testnet bool

	// nowFunc allows tests to pin the signing timestamp.
	nowFunc func() time.Time
}

// NewClient builds a REST client for mainnet or testnet.
func NewClient(creds Credentials, testnet bool, log zerolog.Logger) *Client {
	base := mainnetREST
	if testnet {
		base = testnetREST
	}
	return &Client{
		baseURL: base,
		creds:   creds,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
		testnet: testnet,
		nowFunc: time.Now,
	}
}

// Testnet reports which environment the client targets.
func (c *Client) Testnet() bool { return c.testnet }

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// sign produces the V5 request signature over
// timestamp + apiKey + recvWindow + payload.
func sign(secret, timestamp, apiKey, recvWindow, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) get(ctx context.Context, path string, query url.Values, signed bool, result interface{}) error {
	u := c.baseURL + path
	encoded := query.Encode()
	if encoded != "" {
		u += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if signed {
		c.signRequest(req, encoded)
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.signRequest(req, string(payload))
	return c.do(req, result)
}

func (c *Client) signRequest(req *http.Request, payload string) {
	ts := strconv.FormatInt(c.nowFunc().UnixMilli(), 10)
	window := strconv.Itoa(recvWindowMs)
	req.Header.Set("X-BAPI-API-KEY", c.creds.Key)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", window)
	req.Header.Set("X-BAPI-SIGN", sign(c.creds.Secret, ts, c.creds.Key, window, payload))
}

func (c *Client) do(req *http.Request, result interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		var env envelope
		if json.Unmarshal(body, &env) == nil {
			apiErr.RetCode = env.RetCode
			apiErr.RetMsg = env.RetMsg
		}
		return apiErr
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.RetCode != retCodeOK {
		return &APIError{HTTPStatus: resp.StatusCode, RetCode: env.RetCode, RetMsg: env.RetMsg}
	}
	if result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
