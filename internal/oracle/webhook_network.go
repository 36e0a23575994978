package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"xscrow/internal/hmacauth"
)

// WebhookNetwork posts jobs to an external verifier. The verifier answers
// asynchronously through the operator callback endpoint.
type WebhookNetwork struct {
	URL    string
	Secret string
	Client *http.Client
	Now    func() time.Time
}

type webhookJob struct {
	JobID     hexutil.Bytes `json:"jobId"`
	RequestID string        `json:"requestId"`
	Subject   string        `json:"subject"`
	Callback  string        `json:"callback"`
	URL       string        `json:"url"`
}

func (n *WebhookNetwork) Submit(ctx context.Context, job Job, _ Fulfiller) error {
	body, err := json.Marshal(webhookJob{
		JobID:     job.JobID,
		RequestID: job.RequestID.Hex(),
		Subject:   job.Subject.Hex(),
		Callback:  job.Callback.Hex(),
		URL:       job.URL,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	now := time.Now()
	if n.Now != nil {
		now = n.Now()
	}
	hmacauth.SignRequest(req, n.Secret, job.Callback.Hex(), body, now)

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post job: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("verifier responded %d", resp.StatusCode)
	}
	return nil
}
