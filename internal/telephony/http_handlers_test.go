package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []CallCompletion
	err    error
}

func (s *recordingSink) HandleCompletion(ctx context.Context, ev CallCompletion) error {
	s.events = append(s.events, ev)
	return s.err
}

func TestProviderCompletionHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sink := &recordingSink{}
	r := gin.New()
	r.POST("/webhooks/providers/:provider_id/completed", ProviderCompletionHandler{Sink: sink, Secret: "s3"}.HandleCompleted)

	send := func(secret, body string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/providers/voice-a/completed", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Secret", secret)
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send("nope", `{"assignment_id":"a1"}`))
	assert.Equal(t, http.StatusBadRequest, send("s3", `{}`))
	assert.Equal(t, http.StatusOK, send("s3", `{"assignment_id":"a1","duration_seconds":61,"transcript":"hi"}`))
	assert.Equal(t, http.StatusOK, send("s3", `{"assignment_id":"a2","error":{"message":"invalid number","permanent":true}}`))

	require.Len(t, sink.events, 2)
	assert.Equal(t, "voice-a", sink.events[0].ProviderID)
	assert.Equal(t, 61, sink.events[0].DurationSeconds)
	assert.Nil(t, sink.events[0].Failure)
	require.NotNil(t, sink.events[1].Failure)
	assert.Equal(t, KindTerminal, sink.events[1].Failure.Kind)

	sink.err = ErrUnknownCall
	assert.Equal(t, http.StatusNotFound, send("s3", `{"assignment_id":"zz"}`))
}

func TestTwilioStatusHandler_Signature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sink := &recordingSink{}
	h := TwilioStatusHandler{Sink: sink, AuthToken: "tok", PublicBaseURL: "https://dispatch.example.com"}
	r := gin.New()
	r.POST("/webhooks/twilio/status", h.HandleStatus)

	params := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}, "CallDuration": {"12"}}
	target := "/webhooks/twilio/status?assignment_id=a1"
	sig := computeTwilioSignature("tok", "https://dispatch.example.com"+target, params)

	send := func(signature string, form url.Values) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", signature)
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusForbidden, send("bad", params))
	assert.Equal(t, http.StatusOK, send(sig, params))
	require.Len(t, sink.events, 1)
	assert.Equal(t, "a1", sink.events[0].AssignmentID)
	assert.Equal(t, 12, sink.events[0].DurationSeconds)

	ringing := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}}
	ringSig := computeTwilioSignature("tok", "https://dispatch.example.com"+target, ringing)
	assert.Equal(t, http.StatusNoContent, send(ringSig, ringing))
	assert.Len(t, sink.events, 1)
}
