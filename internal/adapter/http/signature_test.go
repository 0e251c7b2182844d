package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestVerify(t *testing.T) {
	const secret = "s3cret"
	body := []byte(`{"identifiers":["01310100"]}`)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ts := now.Format(time.RFC3339)
	early := now.Add(-MaxTimestampSkew - time.Second).Format(time.RFC3339)
	ahead := now.Add(MaxTimestampSkew + time.Second).Format(time.RFC3339)

	tests := []struct {
		name      string
		timestamp string
		signature string
		want      error
	}{
		{"valid", ts, Sign(ts, body, secret), nil},
		{"missing timestamp", "", Sign(ts, body, secret), errMissingTimestamp},
		{"unparseable timestamp", "yesterday", "x", errBadTimestamp},
		{"too old", early, Sign(early, body, secret), errStaleTimestamp},
		{"too far ahead", ahead, Sign(ahead, body, secret), errStaleTimestamp},
		{"missing signature", ts, "", errMissingSignature},
		{"wrong secret", ts, Sign(ts, body, "other"), errBadSignature},
		{"signed other body", ts, Sign(ts, []byte(`{}`), secret), errBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.timestamp != "" {
				h.Set("X-Timestamp", tt.timestamp)
			}
			if tt.signature != "" {
				h.Set("X-Signature", tt.signature)
			}
			err := verify(h, body, secret, now)
			if !errors.Is(err, tt.want) {
				t.Errorf("verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRequireSignature_PassesBodyOn(t *testing.T) {
	const secret = "s3cret"
	body := `{"identifiers":["01310100"]}`
	ts := time.Now().UTC().Format(time.RFC3339)

	var got string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequireSignature(secret, slog.New(slog.NewTextHandler(io.Discard, nil)))(next)

	req := httptest.NewRequest(http.MethodPost, "/identifiers", strings.NewReader(body))
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", Sign(ts, []byte(body), secret))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got != body {
		t.Errorf("next saw body %q, want %q", got, body)
	}
}
