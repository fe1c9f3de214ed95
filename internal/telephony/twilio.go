package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"calldispatch/internal/providers"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

// Twilio error codes that no retry can fix.
// Ref: https://www.twilio.com/docs/api/errors
var twilioPermanentCodes = map[int]bool{
	13223: true, // invalid phone number format
	13224: true, // invalid phone number
	21211: true, // invalid 'To' phone number
	21214: true, // 'To' phone number cannot be reached
	21217: true, // phone number does not appear to be valid
	21215: true, // geo permission not enabled for the region
	21610: true, // recipient unsubscribed
}

// TwilioAdapter places calls through the Twilio REST API with inline TwiML
// that streams the call to the assistant named by AssistantRef.
type TwilioAdapter struct {
	provider          providers.Provider
	client            *HTTPClient
	baseURL           string
	accountSID        string
	authToken         string
	statusCallbackURL string
}

func NewTwilioAdapter(p providers.Provider, client *HTTPClient, statusCallbackURL string) (*TwilioAdapter, error) {
	sid := p.Credentials.Get("account_sid")
	token := p.Credentials.Get("auth_token")
	if sid == "" || token == "" {
		return nil, fmt.Errorf("telephony: twilio provider %s needs account_sid and auth_token credentials", p.ID)
	}
	if client == nil {
		client = NewHTTPClient()
	}
	base := p.BaseURL
	if base == "" {
		base = defaultTwilioBaseURL
	}
	return &TwilioAdapter{
		provider:          p,
		client:            client,
		baseURL:           strings.TrimRight(base, "/"),
		accountSID:        sid,
		authToken:         token,
		statusCallbackURL: statusCallbackURL,
	}, nil
}

func (a *TwilioAdapter) Name() string { return a.provider.ID }

type twilioCallResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *TwilioAdapter) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	from := req.PhoneNumberRef
	if from == "" {
		from = a.provider.PhoneNumberRef
	}
	stream := req.AssistantRef
	if stream == "" {
		stream = a.provider.AssistantRef
	}
	if from == "" {
		return PlaceCallResult{}, &ProviderError{Kind: KindTerminal, Provider: a.provider.ID, Msg: "no caller phone number configured"}
	}

	params := map[string]string{"assignment_id": req.AssignmentID}
	for k, v := range req.Variables {
		params[k] = v
	}
	twiml, err := RenderOutboundTwiML(stream, params)
	if err != nil {
		return PlaceCallResult{}, &ProviderError{Kind: KindTerminal, Provider: a.provider.ID, Err: err}
	}

	form := url.Values{}
	form.Set("To", req.Recipient)
	form.Set("From", from)
	form.Set("Twiml", twiml)
	if a.statusCallbackURL != "" {
		cb, err := withQuery(a.statusCallbackURL, "assignment_id", req.AssignmentID)
		if err != nil {
			return PlaceCallResult{}, &ProviderError{Kind: KindTerminal, Provider: a.provider.ID, Msg: "bad status callback url", Err: err}
		}
		form.Set("StatusCallback", cb)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", a.baseURL, url.PathEscape(a.accountSID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return PlaceCallResult{}, &ProviderError{Kind: KindProviderError, Provider: a.provider.ID, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(a.accountSID, a.authToken)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return PlaceCallResult{}, transportError(ctx, a.provider.ID, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return PlaceCallResult{}, transportError(ctx, a.provider.ID, err)
	}
	var parsed twilioCallResponse
	_ = json.Unmarshal(body, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300 && parsed.SID != "":
		return PlaceCallResult{Accepted: true, ProviderCallID: parsed.SID, Payload: jsonOrNil(body)}, nil
	case twilioPermanentCodes[parsed.Code]:
		return PlaceCallResult{Permanent: true, Reason: twilioReason(parsed, resp.StatusCode), Payload: jsonOrNil(body)}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusBadRequest:
		return PlaceCallResult{Reason: twilioReason(parsed, resp.StatusCode), Payload: jsonOrNil(body)}, nil
	default:
		return PlaceCallResult{}, &ProviderError{Kind: KindProviderError, Provider: a.provider.ID, Msg: twilioReason(parsed, resp.StatusCode)}
	}
}

// HealthCheck fetches the account resource, the cheapest authenticated call.
func (a *TwilioAdapter) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", a.baseURL, url.PathEscape(a.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.accountSID, a.authToken)
	resp, err := a.client.Do(req)
	if err != nil {
		return transportError(ctx, a.provider.ID, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode != http.StatusOK {
		return &ProviderError{Kind: KindProviderError, Provider: a.provider.ID, Msg: fmt.Sprintf("health status %d", resp.StatusCode)}
	}
	return nil
}

func twilioReason(r twilioCallResponse, status int) string {
	switch {
	case r.Message != "" && r.Code != 0:
		return fmt.Sprintf("twilio %d: %s", r.Code, r.Message)
	case r.Message != "":
		return r.Message
	default:
		return fmt.Sprintf("unexpected status code: %d", status)
	}
}

func withQuery(raw, key, value string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("absolute url required")
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
