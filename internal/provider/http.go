package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultRequestTimeout = 10 * time.Second

// HTTPClient places calls by POSTing to a telephony gateway.
//
// Request body: {"to": "+14155550100"}. A 2xx response with
// {"provider_call_id": "..."} is an accepted call. 400, 404, 410 and 422 mean the
// gateway rejected the number; anything else is worth retrying.
type HTTPClient struct {
	url    string
	token  string
	client *http.Client
}

type placeCallRequest struct {
	To string `json:"to"`
}

type placeCallResponse struct {
	CallID string `json:"provider_call_id"`
	Error  string `json:"error,omitempty"`
}

// NewHTTPClient creates an HTTP provider client
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("provider url must be specified")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &HTTPClient{
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// PlaceCall implements CallPlacer
func (c *HTTPClient) PlaceCall(ctx context.Context, phoneE164 string) (Receipt, error) {
	body, err := json.Marshal(placeCallRequest{To: phoneE164})
	if err != nil {
		return Receipt{}, Permanent(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("place call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Receipt{}, fmt.Errorf("read response: %w", err)
	}

	var decoded placeCallResponse
	// Error bodies are not always JSON.
	_ = json.Unmarshal(raw, &decoded)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Receipt{ProviderCallID: decoded.CallID}, nil
	}

	statusErr := fmt.Errorf("provider returned %d: %s", resp.StatusCode, describe(decoded, raw))
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity:
		return Receipt{}, Permanent(statusErr)
	default:
		return Receipt{}, statusErr
	}
}

func describe(decoded placeCallResponse, raw []byte) string {
	if decoded.Error != "" {
		return decoded.Error
	}
	const limit = 200
	if len(raw) > limit {
		raw = raw[:limit]
	}
	return string(bytes.TrimSpace(raw))
}
