package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"xscrow/internal/errs"
	"xscrow/internal/idempotency"
	"xscrow/internal/oracle"
)

type oracleCallbackRequest struct {
	Coordinator common.Address `json:"coordinator"`
	RequestID   common.Hash    `json:"requestId"`
	Result      hexutil.Bytes  `json:"result"`
}

type oracleCallbackResponse struct {
	Status      string         `json:"status"`
	Coordinator common.Address `json:"coordinator"`
	RequestID   common.Hash    `json:"requestId"`
	Subject     common.Address `json:"subject"`
	Approved    bool           `json:"approved"`
}

const oracleKeyPrefix = "oracle:"

// handleOracleCallback delivers an operator's answer to the coordinator that
// issued the request. Transient failures are retried; what still fails lands
// in the DLQ for replay.
func (s *Server) handleOracleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, err := callerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if caller != s.cfg.Oracle.Operator {
		s.metrics.incCallback("rejected")
		writeError(w, errs.New(errs.CodeUnauthorized, "Source must be the oracle of the request"))
		return
	}

	var payload oracleCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if err := validateOracleCallback(payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := idempotency.Key(payload.Coordinator.Hex(), oracleKeyPrefix+payload.RequestID.Hex())
	if existing, _ := s.store.Get(ctx, key); existing != nil {
		writeRaw(w, existing.StatusCode, existing.Response)
		s.metrics.incCallback("cached")
		return
	}

	d, err := s.factory.LookupCoordinator(payload.Coordinator)
	if err != nil {
		s.metrics.incCallback("rejected")
		writeError(w, err)
		return
	}
	subject, pending := d.Coordinator.Pending(payload.RequestID)
	if !pending {
		s.metrics.incCallback("rejected")
		writeError(w, errs.New(errs.CodeUnknownRequest, "unknown request "+payload.RequestID.Hex()))
		return
	}
	approved, err := oracle.DecodeResult(payload.Result)
	if err != nil {
		s.metrics.incCallback("rejected")
		writeError(w, err)
		return
	}

	if err := s.deliverWithRetry(ctx, d.Coordinator, payload); err != nil {
		s.metrics.incCallback("failed")
		s.writeDLQ(payload, err)
		writeError(w, err)
		return
	}

	body, _ := json.Marshal(oracleCallbackResponse{
		Status:      "fulfilled",
		Coordinator: payload.Coordinator,
		RequestID:   payload.RequestID,
		Subject:     subject,
		Approved:    approved,
	})
	now := time.Now()
	if err := s.store.Save(ctx, key, idempotency.Record{
		StatusCode: http.StatusOK,
		Response:   body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}); err != nil {
		s.logger.Warn("idempotency save failed", slog.String("request_id", payload.RequestID.Hex()), slog.Any("err", err))
	}

	writeRaw(w, http.StatusOK, body)
	s.metrics.incCallback("processed")
	s.updateDLQDepth()
}

func validateOracleCallback(req oracleCallbackRequest) error {
	if req.Coordinator == (common.Address{}) {
		return errors.New("coordinator is required")
	}
	if req.RequestID == (common.Hash{}) {
		return errors.New("requestId is required")
	}
	if len(req.Result) == 0 {
		return errors.New("result is required")
	}
	return nil
}

// deliver routes the answer through an in-process job queue when there is one,
// so the job leaves the queue, and straight to the coordinator otherwise.
func (s *Server) deliver(ctx context.Context, c *oracle.Coordinator, payload oracleCallbackRequest) error {
	if q, ok := s.network.(jobQueue); ok {
		return q.FulfillRaw(ctx, payload.RequestID, payload.Result)
	}
	return c.Fulfill(ctx, s.cfg.Oracle.Operator, payload.RequestID, payload.Result)
}

func (s *Server) deliverWithRetry(ctx context.Context, c *oracle.Coordinator, payload oracleCallbackRequest) error {
	attempts := s.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := s.cfg.Retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for i := 1; i <= attempts; i++ {
		err := s.deliver(ctx, c, payload)
		if err == nil {
			s.metrics.incRetry("success")
			return nil
		}
		if !isRetryable(err) || i == attempts {
			s.metrics.incRetry("failed")
			return err
		}

		s.metrics.incRetry("retry")
		sleep := backoff
		if s.cfg.Retry.MaxBackoff > 0 && sleep > s.cfg.Retry.MaxBackoff {
			sleep = s.cfg.Retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}

		if s.cfg.Retry.BackoffMultiplier > 1 {
			backoff = time.Duration(float64(backoff) * s.cfg.Retry.BackoffMultiplier)
		}
	}

	return fmt.Errorf("exhausted retries")
}

// isRetryable reports whether err may succeed on a second attempt. Precondition
// failures never do.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, coded := errs.CodeOf(err); coded {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (s *Server) writeDLQ(payload oracleCallbackRequest, deliverErr error) {
	if s.cfg.Service.DLQPath == "" {
		return
	}

	code, _ := errs.CodeOf(deliverErr)
	entry := struct {
		Timestamp time.Time             `json:"timestamp"`
		Payload   oracleCallbackRequest `json:"payload"`
		Error     string                `json:"error"`
		Code      errs.Code             `json:"code,omitempty"`
	}{
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Error:     deliverErr.Error(),
		Code:      code,
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.logger.Error("dlq marshal error", slog.Any("err", err))
		return
	}

	if err := os.MkdirAll(s.cfg.Service.DLQPath, 0o755); err != nil {
		s.logger.Error("dlq mkdir error", slog.Any("err", err))
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), payload.RequestID.Hex())
	path := filepath.Join(s.cfg.Service.DLQPath, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.logger.Error("dlq write error", slog.Any("err", err))
	}

	s.updateDLQDepth()
}

// handleJobs lists open jobs when verification runs in process.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	q, ok := s.network.(jobQueue)
	if !ok {
		http.Error(w, "jobs are dispatched to an external verifier", http.StatusNotFound)
		return
	}
	jobs := q.Jobs()
	out := make([]struct {
		JobID     hexutil.Bytes  `json:"jobId"`
		RequestID common.Hash    `json:"requestId"`
		Subject   common.Address `json:"subject"`
		Callback  common.Address `json:"callback"`
		URL       string         `json:"url"`
	}, len(jobs))
	for i, job := range jobs {
		out[i].JobID = job.JobID
		out[i].RequestID = job.RequestID
		out[i].Subject = job.Subject
		out[i].Callback = job.Callback
		out[i].URL = job.URL
	}
	writeJSON(w, http.StatusOK, out)
}
