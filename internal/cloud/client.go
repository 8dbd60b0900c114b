package cloud

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// client is the signed JSON transport shared by both providers. Every
// request body carries a millisecond timestamp and is signed with the
// provider's app key before posting.
type client struct {
	baseURL    string
	appKey     string
	httpClient *http.Client
	now        func() time.Time

	accessToken string
}

func newClient(baseURL, appKey string) *client {
	return &client{
		baseURL:    baseURL,
		appKey:     appKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
}

type apiResponse struct {
	Code json.Number     `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// postJSON signs and posts a request, returning the decoded data section.
// A non-zero response code becomes an error.
func (c *client) postJSON(ctx context.Context, path string, payload map[string]any) (json.RawMessage, error) {
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["reqId"] = randomHex(16)
	payload["stamp"] = c.now().Format("20060102150405")

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("cloud: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cloud: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("sign", c.sign(path, body))
	if c.accessToken != "" {
		req.Header.Set("accessToken", c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloud: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("cloud: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cloud: %s returned status %d", path, resp.StatusCode)
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return nil, fmt.Errorf("cloud: parse response: %w", err)
	}
	if code, _ := ar.Code.Int64(); code != 0 {
		return nil, fmt.Errorf("cloud: %s failed with code %d: %s", path, code, ar.Msg)
	}
	return ar.Data, nil
}

func (c *client) sign(path string, body []byte) string {
	sum := sha256.Sum256([]byte(path + string(body) + c.appKey))
	return hex.EncodeToString(sum[:])
}

func encryptPassword(password, loginID, appKey string) string {
	pw := sha256.Sum256([]byte(password))
	mixed := loginID + hex.EncodeToString(pw[:]) + appKey
	final := sha256.Sum256([]byte(mixed))
	return hex.EncodeToString(final[:])
}

var randomCounter atomic.Uint64

func randomHex(n int) string {
	seq := randomCounter.Add(1)
	sum := md5.Sum([]byte(strconv.FormatInt(time.Now().UnixNano(), 10) + strconv.FormatUint(seq, 10)))
	s := hex.EncodeToString(sum[:])
	if n < len(s) {
		return s[:n]
	}
	return s
}
