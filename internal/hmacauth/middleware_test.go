package hmacauth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"amount":"1000"}`
	now := time.Unix(1_700_000_000, 0)
	caller := "0x00000000000000000000000000000000000a11ce"

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	SignRequest(req, "secret", caller, []byte(body), now)
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Caller(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != caller {
		t.Fatalf("expected caller %s in context, got %q", caller, seen)
	}
}

func TestMiddleware_RejectsSwappedCaller(t *testing.T) {
	body := `{"amount":"1000"}`
	now := time.Unix(1_700_000_000, 0)

	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	SignRequest(req, "secret", "0x00000000000000000000000000000000000a11ce", []byte(body), now)
	req.Header.Set(HeaderCaller, "0x0000000000000000000000000000000000000b0b")
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	body := `{}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Add(-2*time.Minute).Unix(), 10)

	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign("secret", ts, "", []byte(body)))
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), ErrStaleTimestamp.Error()) {
		t.Fatalf("expected stale timestamp error, got %q", rec.Body.String())
	}
}

func TestMiddleware_RejectsWhenSecretUnset(t *testing.T) {
	v := &Verifier{MaxSkew: time.Minute}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{}`))
	req.Header.Set(HeaderCaller, "0x00000000000000000000000000000000000a11ce")
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), ErrNoSecret.Error()) {
		t.Fatalf("expected unconfigured secret error, got %q", rec.Body.String())
	}
}
