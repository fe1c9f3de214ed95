package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"calldispatch/internal/providers"
)

const maxResponseBody = 1 << 20

// HTTPAdapter talks to a generic voice-agent JSON API:
//
//	POST {base_url}/calls   -> 2xx {"call_id": "..."}
//	GET  {base_url}/health  -> 2xx
//
// 400 and 422 are permanent rejections, 409 and 429 are retryable
// rejections, anything else non-2xx is a provider error.
type HTTPAdapter struct {
	provider providers.Provider
	client   *HTTPClient
}

func NewHTTPAdapter(p providers.Provider, client *HTTPClient) *HTTPAdapter {
	if client == nil {
		client = NewHTTPClient()
	}
	return &HTTPAdapter{provider: p, client: client}
}

func (a *HTTPAdapter) Name() string { return a.provider.ID }

type httpCallResponse struct {
	CallID string `json:"call_id"`
	Error  string `json:"error"`
}

func (a *HTTPAdapter) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return PlaceCallResult{}, &ProviderError{Kind: KindTerminal, Provider: a.provider.ID, Msg: "encode request", Err: err}
	}

	url := strings.TrimRight(a.provider.BaseURL, "/") + "/calls"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return PlaceCallResult{}, &ProviderError{Kind: KindProviderError, Provider: a.provider.ID, Msg: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := a.provider.Credentials.Get("api_key"); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return PlaceCallResult{}, transportError(ctx, a.provider.ID, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return PlaceCallResult{}, transportError(ctx, a.provider.ID, err)
	}

	var parsed httpCallResponse
	_ = json.Unmarshal(body, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if parsed.CallID == "" {
			return PlaceCallResult{}, &ProviderError{Kind: KindProviderError, Provider: a.provider.ID, Msg: "accepted without call_id"}
		}
		return PlaceCallResult{Accepted: true, ProviderCallID: parsed.CallID, Payload: jsonOrNil(body)}, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return PlaceCallResult{Permanent: true, Reason: reasonOr(parsed.Error, resp.StatusCode), Payload: jsonOrNil(body)}, nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusTooManyRequests:
		return PlaceCallResult{Reason: reasonOr(parsed.Error, resp.StatusCode), Payload: jsonOrNil(body)}, nil
	default:
		return PlaceCallResult{}, &ProviderError{Kind: KindProviderError, Provider: a.provider.ID, Msg: reasonOr(parsed.Error, resp.StatusCode)}
	}
}

func (a *HTTPAdapter) HealthCheck(ctx context.Context) error {
	url := strings.TrimRight(a.provider.BaseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if key := a.provider.Credentials.Get("api_key"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return transportError(ctx, a.provider.ID, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Kind: KindProviderError, Provider: a.provider.ID, Msg: fmt.Sprintf("health status %d", resp.StatusCode)}
	}
	return nil
}

// transportError maps deadline expiry to a timeout and everything else to a
// retryable provider error.
func transportError(ctx context.Context, provider string, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ProviderError{Kind: KindTimeout, Provider: provider, Msg: "hand-off timed out", Err: err}
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return &ProviderError{Kind: KindTimeout, Provider: provider, Msg: "hand-off timed out", Err: err}
	}
	return &ProviderError{Kind: KindProviderError, Provider: provider, Err: err}
}

func reasonOr(reason string, status int) string {
	if reason != "" {
		return reason
	}
	return fmt.Sprintf("unexpected status code: %d", status)
}

func jsonOrNil(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
