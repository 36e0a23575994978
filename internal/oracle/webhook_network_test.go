package oracle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"xscrow/internal/hmacauth"
)

func TestWebhookNetworkSubmitSignsJob(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var got webhookJob
	var headers http.Header
	var body []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode job: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	network := &WebhookNetwork{URL: srv.URL, Secret: "s3cret", Client: srv.Client(), Now: func() time.Time { return now }}
	job := Job{
		JobID:     []byte{0xca, 0xfe},
		RequestID: RequestID(coordinator, 7),
		Subject:   subject,
		Callback:  coordinator,
		URL:       "https://verifier.example/check/abc",
	}
	if err := network.Submit(context.Background(), job, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if got.RequestID != job.RequestID.Hex() || got.Subject != subject.Hex() || got.URL != job.URL {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.JobID.String() != "0xcafe" {
		t.Fatalf("expected hex job id got %s", got.JobID.String())
	}
	ts := headers.Get(hmacauth.HeaderTimestamp)
	if ts != strconv.FormatInt(now.Unix(), 10) {
		t.Fatalf("unexpected timestamp %s", ts)
	}
	want := hmacauth.Sign("s3cret", ts, coordinator.Hex(), body)
	if headers.Get(hmacauth.HeaderSignature) != want {
		t.Fatalf("signature mismatch")
	}
	if headers.Get(hmacauth.HeaderCaller) != coordinator.Hex() {
		t.Fatalf("expected caller header %s", coordinator.Hex())
	}
}

func TestWebhookNetworkRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	network := &WebhookNetwork{URL: srv.URL, Client: srv.Client()}
	if err := network.Submit(context.Background(), Job{RequestID: RequestID(coordinator, 0)}, nil); err == nil {
		t.Fatalf("expected error on 503")
	}
}

func TestWebhookSubmitFailureLeavesNothingPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _, _ := newCoordinator(t, &WebhookNetwork{URL: srv.URL, Client: srv.Client()})
	if _, err := c.Request(context.Background(), ledgerAddr, subject); err == nil {
		t.Fatalf("expected request to fail")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("expected no pending requests")
	}
}
