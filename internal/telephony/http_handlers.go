package telephony

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"calldispatch/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Webhook handlers convert provider callbacks to CallCompletion events and
// delegate to the sink. No business logic here.

// TwilioStatusHandler serves Twilio status callbacks.
type TwilioStatusHandler struct {
	Sink CompletionSink

	// AuthToken validates X-Twilio-Signature; empty disables validation.
	AuthToken string
	// PublicBaseURL is the externally visible scheme://host Twilio calls.
	PublicBaseURL string
}

func (h TwilioStatusHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "completion sink not configured"})
		return
	}

	form, err := ParseTwilioStatus(c.Request)
	if err != nil {
		log.Warn("twilio status parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	if h.AuthToken != "" {
		fullURL := strings.TrimRight(h.PublicBaseURL, "/") + c.Request.URL.RequestURI()
		if !ValidateTwilioSignature(h.AuthToken, fullURL, c.Request.PostForm, c.GetHeader("X-Twilio-Signature")) {
			log.Warn("twilio signature rejected", "call_sid", form.CallSid)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
	}

	ev, final := form.ToCompletion("")
	if !final {
		c.Status(http.StatusNoContent)
		return
	}
	deliverCompletion(c, h.Sink, ev)
}

// ProviderCompletionHandler serves the generic callCompleted callback used by
// HTTP providers.
type ProviderCompletionHandler struct {
	Sink CompletionSink

	// Secret must match X-Webhook-Secret; empty disables the check.
	Secret string
}

type completionBody struct {
	AssignmentID    string `json:"assignment_id"`
	ProviderCallID  string `json:"provider_call_id"`
	DurationSeconds int    `json:"duration_seconds"`
	Transcript      string `json:"transcript"`
	Error           *struct {
		Message   string `json:"message"`
		Permanent bool   `json:"permanent"`
	} `json:"error"`
}

func (h ProviderCompletionHandler) HandleCompleted(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "completion sink not configured"})
		return
	}
	if h.Secret != "" && subtle.ConstantTimeCompare([]byte(c.GetHeader("X-Webhook-Secret")), []byte(h.Secret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
		return
	}

	providerID := c.Param("provider_id")
	var body completionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		log.Warn("completion body invalid", "provider_id", providerID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.AssignmentID == "" && body.ProviderCallID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "assignment_id or provider_call_id required"})
		return
	}
	if body.DurationSeconds < 0 {
		body.DurationSeconds = 0
	}

	ev := CallCompletion{
		ProviderID:      providerID,
		AssignmentID:    body.AssignmentID,
		ProviderCallID:  body.ProviderCallID,
		DurationSeconds: body.DurationSeconds,
		Transcript:      body.Transcript,
	}
	if body.Error != nil {
		kind := KindProviderError
		if body.Error.Permanent {
			kind = KindTerminal
		}
		ev.Failure = &ProviderError{Kind: kind, Provider: providerID, Msg: body.Error.Message}
	}
	deliverCompletion(c, h.Sink, ev)
}

func deliverCompletion(c *gin.Context, sink CompletionSink, ev CallCompletion) {
	if err := sink.HandleCompletion(c.Request.Context(), ev); err != nil {
		if errors.Is(err, ErrUnknownCall) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown call"})
			return
		}
		logger.FromGin(c).Error("completion handling failed",
			"assignment_id", ev.AssignmentID,
			"provider_call_id", ev.ProviderCallID,
			"err", err,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "completion failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
