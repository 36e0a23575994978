package hmacauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderCaller    = "X-Caller-Address"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrNoSecret         = errors.New("request signing is not configured")
)

type callerKey struct{}

// Verifier authenticates requests signed as
// hex(HMAC-SHA256(secret, timestamp || caller || body)).
type Verifier struct {
	Secret          string
	MaxSkew         time.Duration
	Now             func() time.Time
	SignatureHeader string
	TimestampHeader string
	CallerHeader    string
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Caller returns the caller header value that was covered by the signature.
func Caller(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

func (v *Verifier) verify(r *http.Request) (string, error) {
	// The caller header names the acting principal, so an unkeyed verifier
	// must not vouch for it.
	if v.Secret == "" {
		return "", ErrNoSecret
	}
	caller := strings.TrimSpace(r.Header.Get(v.header(v.CallerHeader, HeaderCaller)))

	sig := r.Header.Get(v.header(v.SignatureHeader, HeaderSignature))
	if sig == "" {
		return "", ErrMissingSignature
	}
	tsHeader := r.Header.Get(v.header(v.TimestampHeader, HeaderTimestamp))
	if tsHeader == "" {
		return "", ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return "", ErrStaleTimestamp
	}

	bodyBytes, err := readBody(r)
	if err != nil {
		return "", err
	}

	expected := Sign(v.Secret, tsHeader, caller, bodyBytes)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return "", ErrInvalidSignature
	}
	return caller, nil
}

func (v *Verifier) header(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

// Sign computes the signature a Verifier with the same secret accepts.
func Sign(secret, timestamp, caller string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(caller))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the timestamp, caller and signature headers on req.
func SignRequest(req *http.Request, secret, caller string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	if caller != "" {
		req.Header.Set(HeaderCaller, caller)
	}
	req.Header.Set(HeaderSignature, Sign(secret, ts, caller, body))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
