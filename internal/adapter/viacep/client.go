// Package viacep resolves Brazilian postal codes against the ViaCEP web service.
package viacep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cwygoda/cepresolver/internal/domain"
)

const (
	DefaultBaseURL = "https://viacep.com.br/ws"
	DefaultTimeout = 10 * time.Second

	maxBodyBytes = 1 << 20
	userAgent    = "cepresolver/1.0"
)

// attributeFields are copied from the response into ResolvedRecord.Attributes.
var attributeFields = []string{
	"logradouro", "complemento", "bairro", "localidade", "uf",
	"ibge", "gia", "ddd", "siafi",
}

// Client performs single-shot lookups. It never retries.
type Client struct {
	baseURL   string
	timeout   time.Duration
	http      *http.Client
	validator domain.Validator
	now       func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithValidator sets the identifier rule checked before dispatch.
func WithValidator(v domain.Validator) Option {
	return func(c *Client) { c.validator = v }
}

// New creates a client for baseURL with a per-call timeout.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		timeout:   timeout,
		http:      &http.Client{},
		validator: domain.NewValidator(domain.DefaultIdentifierLength),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve looks up one identifier.
func (c *Client) Resolve(ctx context.Context, identifier string) (domain.ResolvedRecord, error) {
	if !c.validator.Valid(identifier) {
		return domain.ResolvedRecord{}, domain.NewLookupError(domain.KindInvalid, identifier, "malformed identifier", domain.ErrInvalidIdentifier)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/json/", c.baseURL, identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.ResolvedRecord{}, domain.NewLookupError(domain.KindInvalid, identifier, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return domain.ResolvedRecord{}, domain.NewLookupError(domain.KindTransient, identifier, "timeout", err)
		}
		return domain.ResolvedRecord{}, domain.NewLookupError(domain.KindTransient, identifier, "request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(identifier, resp.StatusCode); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return domain.ResolvedRecord{}, err
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		if isTimeout(err) {
			return domain.ResolvedRecord{}, domain.NewLookupError(domain.KindTransient, identifier, "timeout", err)
		}
		return domain.ResolvedRecord{}, domain.NewLookupError(domain.KindTransient, identifier, "decode response", err)
	}
	if notFound(body) {
		return domain.ResolvedRecord{}, domain.NewLookupError(domain.KindNotFound, identifier, "cep not found", nil)
	}

	attrs := attributes(body)
	if len(attrs) == 0 && !hasCEP(body) {
		return domain.ResolvedRecord{}, domain.NewLookupError(domain.KindTransient, identifier, "invalid response format", nil)
	}

	return domain.ResolvedRecord{
		Key:        identifier,
		Attributes: attrs,
		ResolvedAt: c.now().UTC(),
	}, nil
}

func classifyStatus(identifier string, code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusBadRequest:
		return domain.NewLookupError(domain.KindInvalid, identifier, "rejected by service", nil)
	case code == http.StatusNotFound:
		return domain.NewLookupError(domain.KindNotFound, identifier, "cep not found", nil)
	default:
		return domain.NewLookupError(domain.KindTransient, identifier, fmt.Sprintf("unexpected status %d", code), nil)
	}
}

// notFound detects the service's "erro" marker, sent as a bool or a string.
func notFound(body map[string]any) bool {
	switch v := body["erro"].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

func hasCEP(body map[string]any) bool {
	s, ok := body["cep"].(string)
	return ok && strings.TrimSpace(s) != ""
}

func attributes(body map[string]any) map[string]string {
	attrs := make(map[string]string, len(attributeFields))
	for _, field := range attributeFields {
		s, ok := body[field].(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			attrs[field] = s
		}
	}
	return attrs
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
