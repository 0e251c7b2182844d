package http

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// MaxTimestampSkew is how far X-Timestamp may drift from the server clock.
const MaxTimestampSkew = 5 * time.Minute

var (
	errMissingTimestamp = errors.New("missing X-Timestamp header")
	errBadTimestamp     = errors.New("invalid X-Timestamp: must be RFC3339")
	errStaleTimestamp   = errors.New("X-Timestamp too far from current time")
	errMissingSignature = errors.New("missing X-Signature header")
	errBadSignature     = errors.New("invalid signature")
)

// RequireSignature rejects requests whose X-Signature is not Sign over their
// X-Timestamp, body and secret. The buffered body is handed on to next.
func RequireSignature(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
				return
			}

			if err := verify(r.Header, body, secret, time.Now()); err != nil {
				logger.WarnContext(r.Context(), "intake signature rejected",
					"request_id", middleware.GetReqID(r.Context()),
					"error", err,
				)
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func verify(h http.Header, body []byte, secret string, now time.Time) error {
	timestamp := h.Get("X-Timestamp")
	if timestamp == "" {
		return errMissingTimestamp
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return errBadTimestamp
	}
	if skew := now.Sub(ts).Abs(); skew > MaxTimestampSkew {
		return fmt.Errorf("%w (skew %v)", errStaleTimestamp, skew.Truncate(time.Second))
	}

	signature := h.Get("X-Signature")
	if signature == "" {
		return errMissingSignature
	}
	if subtle.ConstantTimeCompare([]byte(signature), []byte(Sign(timestamp, body, secret))) != 1 {
		return errBadSignature
	}
	return nil
}

// Sign returns hex(SHA256("${timestamp}\n${body}\n${secret}")), the value
// expected in X-Signature.
func Sign(timestamp string, body []byte, secret string) string {
	hash := sha256.Sum256([]byte(timestamp + "\n" + string(body) + "\n" + secret))
	return hex.EncodeToString(hash[:])
}
