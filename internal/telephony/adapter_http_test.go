package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"calldispatch/internal/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTPProvider(url string) providers.Provider {
	return providers.Provider{
		ID:          "voice-a",
		Kind:        providers.KindHTTP,
		BaseURL:     url,
		Credentials: providers.Credentials{"api_key": "k-1"},
	}
}

func TestHTTPAdapter_PlaceCall(t *testing.T) {
	cases := []struct {
		name       string
		handler    http.HandlerFunc
		accepted   bool
		permanent  bool
		wantKind   string
		wantCallID string
	}{
		{
			name: "Given a 201 with call id, then the call is accepted",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"call_id":"c-1"}`))
			},
			accepted:   true,
			wantCallID: "c-1",
		},
		{
			name: "Given a 422, then the call is rejected permanently",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"error":"invalid number"}`))
			},
			permanent: true,
		},
		{
			name: "Given a 429, then the call is rejected but retryable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
		},
		{
			name: "Given a 503, then a provider error is returned",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantKind: KindProviderError,
		},
		{
			name: "Given a 200 without call id, then a provider error is returned",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{}`))
			},
			wantKind: KindProviderError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()

			a := NewHTTPAdapter(newHTTPProvider(server.URL), NewHTTPClient())
			res, err := a.PlaceCall(context.Background(), PlaceCallRequest{AssignmentID: "a1", Recipient: "+15551234567"})

			if tc.wantKind != "" {
				var pe *ProviderError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, tc.wantKind, pe.Kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.accepted, res.Accepted)
			assert.Equal(t, tc.permanent, res.Permanent)
			assert.Equal(t, tc.wantCallID, res.ProviderCallID)
		})
	}
}

func TestHTTPAdapter_SendsRequest(t *testing.T) {
	var got PlaceCallRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"call_id":"c-2"}`))
	}))
	defer server.Close()

	a := NewHTTPAdapter(newHTTPProvider(server.URL+"/"), nil)
	_, err := a.PlaceCall(context.Background(), PlaceCallRequest{
		AssignmentID: "a1",
		Recipient:    "+15551234567",
		AssistantRef: "asst-1",
		Variables:    map[string]string{"name": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer k-1", auth)
	assert.Equal(t, "asst-1", got.AssistantRef)
	assert.Equal(t, "Ada", got.Variables["name"])
}

func TestHTTPAdapter_TimeoutIsClassified(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	a := NewHTTPAdapter(newHTTPProvider(server.URL), nil)
	_, err := a.PlaceCall(ctx, PlaceCallRequest{AssignmentID: "a1", Recipient: "+15551234567"})

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindTimeout, pe.Kind)
}

func TestHTTPAdapter_HealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := NewHTTPAdapter(newHTTPProvider(server.URL), nil)
	assert.NoError(t, a.HealthCheck(context.Background()))
	healthy.Store(false)
	assert.Error(t, a.HealthCheck(context.Background()))
}

func TestDirectory_ProbeAndBuild(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ps := []providers.Provider{
		newHTTPProvider(server.URL),
		{ID: "tw", Kind: providers.KindTwilio, Credentials: providers.Credentials{"account_sid": "AC1", "auth_token": "t"}},
	}
	d, err := BuildDirectory(ps, NewHTTPClient(), Options{StatusCallbackURL: "https://example.com/webhooks/twilio/status"})
	require.NoError(t, err)

	assert.NoError(t, d.Probe(context.Background(), ps[0]))
	_, err = d.Adapter("tw")
	assert.NoError(t, err)
	assert.ErrorIs(t, d.Probe(context.Background(), providers.Provider{ID: "ghost"}), ErrNoAdapter)

	_, err = BuildDirectory([]providers.Provider{{ID: "tw", Kind: providers.KindTwilio}}, nil, Options{})
	assert.Error(t, err, "twilio needs credentials")
}
