package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// TwilioStatusForm captures the subset of status callback fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioStatusForm struct {
	AssignmentID string
	CallSid      string
	AccountSid   string
	CallStatus   string
	CallDuration int
	ErrorCode    string
	ErrorMessage string
}

func ParseTwilioStatus(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	f := TwilioStatusForm{
		AssignmentID: strings.TrimSpace(r.URL.Query().Get("assignment_id")),
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:   strings.TrimSpace(r.PostFormValue("AccountSid")),
		CallStatus:   strings.TrimSpace(r.PostFormValue("CallStatus")),
		ErrorCode:    strings.TrimSpace(r.PostFormValue("ErrorCode")),
		ErrorMessage: strings.TrimSpace(r.PostFormValue("ErrorMessage")),
	}
	if d := strings.TrimSpace(r.PostFormValue("CallDuration")); d != "" {
		n, err := strconv.Atoi(d)
		if err == nil && n > 0 {
			f.CallDuration = n
		}
	}
	return f, nil
}

// ToCompletion maps a final call status to a completion event. Intermediate
// statuses (queued, initiated, ringing, in-progress) return false.
func (f TwilioStatusForm) ToCompletion(providerID string) (CallCompletion, bool) {
	ev := CallCompletion{
		ProviderID:      providerID,
		AssignmentID:    f.AssignmentID,
		ProviderCallID:  f.CallSid,
		DurationSeconds: f.CallDuration,
	}
	switch f.CallStatus {
	case "completed":
		return ev, true
	case "busy", "no-answer", "canceled":
		ev.Failure = &ProviderError{Kind: KindProviderError, Provider: providerID, Msg: "call " + f.CallStatus}
		return ev, true
	case "failed":
		msg := "call failed"
		if f.ErrorMessage != "" {
			msg = f.ErrorMessage
		}
		ev.Failure = &ProviderError{Kind: KindTerminal, Provider: providerID, Msg: msg}
		return ev, true
	default:
		return CallCompletion{}, false
	}
}

// ValidateTwilioSignature checks X-Twilio-Signature: base64 HMAC-SHA1 over the
// full callback URL followed by every POST param name and value, sorted by name.
func ValidateTwilioSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := computeTwilioSignature(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func computeTwilioSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
