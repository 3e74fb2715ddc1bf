// Package upstream implements the read-only HTTP client the EOD and
// intraday pipelines use to fetch master data and snapshot feeds from the
// upstream custody/accounting system (spec.md §6).
package upstream

import (
	"crypto/tls"
	"net/http"
	"time"
)

// ClientConfig tunes the transport underneath an *http.Client: timeouts,
// TLS verification, and connection pooling. MaxRetries is carried in the
// config but NewClient does not apply it; the client itself never retries.
type ClientConfig struct {
	Timeout                time.Duration
	MaxRetries              int
	DisableSSLVerification  bool
	MaxIdleConns            int
	IdleConnTimeout         time.Duration
	TLSHandshakeTimeout     time.Duration
	ResponseHeaderTimeout   time.Duration
}

// DefaultClientConfig returns conservative general-purpose settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		MaxRetries:            3,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
}

// SnapshotFeedClientConfig tunes the client for the upstream snapshot feed:
// a caller-supplied overall timeout with a response-header timeout at half
// of it, matching the upstream's own P99 for the largest accounts.
func SnapshotFeedClientConfig(timeout time.Duration) ClientConfig {
	c := DefaultClientConfig()
	c.Timeout = timeout
	c.ResponseHeaderTimeout = timeout / 2
	return c
}

// NewClient builds an *http.Client whose Transport is configured from cfg.
func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}
	if cfg.DisableSSLVerification {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

// NewClientWithTimeout builds a client with DefaultClientConfig's settings
// but the given overall timeout.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	cfg := DefaultClientConfig()
	cfg.Timeout = timeout
	return NewClient(cfg)
}

// NewDefaultClient builds a client from DefaultClientConfig.
func NewDefaultClient() *http.Client {
	return NewClient(DefaultClientConfig())
}
