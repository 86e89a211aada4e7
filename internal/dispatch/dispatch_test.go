package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"signline/internal/config"
	"signline/internal/resilience"
)

func TestPMSubmitReturnsProjectNumber(t *testing.T) {
	var got SubmissionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("X-Signline-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(SubmissionAck{ProjectNumber: "PRJ-1A2B3C4D"})
	}))
	defer srv.Close()

	c := NewPMClient(config.TargetConfig{URL: srv.URL, APIKey: "secret"})
	ack, err := c.Submit(context.Background(), SubmissionRequest{ProjectID: "p1", Name: "Pylon"})
	require.NoError(t, err)
	require.Equal(t, "PRJ-1A2B3C4D", ack.ProjectNumber)
	require.Equal(t, "p1", got.ProjectID)
}

func TestPMSubmitStandaloneMintsLocally(t *testing.T) {
	c := NewPMClient(config.TargetConfig{})
	ack, err := c.Submit(context.Background(), SubmissionRequest{ProjectID: "p1"})
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^PRJ-[0-9A-F]{8}$`), ack.ProjectNumber)
}

func TestPMSubmitClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		kind   resilience.Kind
	}{
		{http.StatusBadGateway, resilience.KindRemote5xx},
		{http.StatusTooManyRequests, resilience.KindRateLimited},
		{http.StatusUnprocessableEntity, resilience.KindMalformed},
		{http.StatusNotFound, resilience.KindRemote4xx},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := NewPMClient(config.TargetConfig{URL: srv.URL})
		_, err := c.Submit(context.Background(), SubmissionRequest{})
		srv.Close()
		require.Error(t, err)
		require.Equal(t, tc.kind, resilience.KindOf(err), "status %d", tc.status)
	}
}

func TestPMSubmitConnectionRefusedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	c := NewPMClient(config.TargetConfig{URL: srv.URL})
	_, err := c.Submit(context.Background(), SubmissionRequest{})
	require.Error(t, err)
	require.Equal(t, resilience.KindConnection, resilience.KindOf(err))
}

func TestPMSubmitMissingAckNumberIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewPMClient(config.TargetConfig{URL: srv.URL})
	_, err := c.Submit(context.Background(), SubmissionRequest{})
	require.Error(t, err)
	require.Equal(t, resilience.KindMalformed, resilience.KindOf(err))
}

func TestEmailSendAppliesDefaultFrom(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := NewEmailClient(config.EmailConfig{URL: srv.URL, From: "noreply@signline.local"})
	err := c.Send(context.Background(), Notification{To: "pm@example.com", Subject: "submitted"})
	require.NoError(t, err)
	require.Equal(t, "noreply@signline.local", got.From)
}

func TestEmailSendNoURLIsNoop(t *testing.T) {
	c := NewEmailClient(config.EmailConfig{})
	require.NoError(t, c.Send(context.Background(), Notification{To: "pm@example.com"}))
}
