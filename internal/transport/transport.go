// Package transport builds the base round tripper the gate wraps and the
// authorized API handle exposed to consumers.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

var (
	ErrIncompleteKeyPair     = errors.New("transport: cert_file and key_file must be set together")
	ErrResponseHeaderTimeout = errors.New("transport: timeout awaiting response headers")
)

// http2PingInterval is how long an HTTP/2 connection may stay silent before a
// health ping is sent on it.
const http2PingInterval = 30 * time.Second

// TLSConfig configures backend server verification and optional client certs.
type TLSConfig struct {
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Config defines base transport behavior.
type Config struct {
	HTTP2       bool
	DialTimeout time.Duration
	// RequestTimeout bounds the wait for response headers after a request is
	// sent, on both HTTP/1.1 and HTTP/2. Body reads are not bounded.
	RequestTimeout time.Duration
	TLS            TLSConfig
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewBase returns the round tripper that actually talks to the network.
// HTTP2 selects an x/net/http2 transport, which requires https backends.
func NewBase(cfg Config) (http.RoundTripper, error) {
	tlsCfg, err := ClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if cfg.HTTP2 {
		netDialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
		h2 := &http2.Transport{
			TLSClientConfig: tlsCfg,
			ReadIdleTimeout: http2PingInterval,
			DialTLSContext: func(ctx context.Context, network, addr string, c *tls.Config) (net.Conn, error) {
				d := &tls.Dialer{NetDialer: netDialer, Config: c}
				return d.DialContext(ctx, network, addr)
			},
		}
		if cfg.RequestTimeout <= 0 {
			return h2, nil
		}
		return &headerTimeout{next: h2, timeout: cfg.RequestTimeout}, nil
	}

	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("transport: unexpected default transport %T", http.DefaultTransport)
	}
	rt := base.Clone()
	rt.TLSClientConfig = tlsCfg
	// RequestTimeout bounds the wait for response headers only; an
	// http.Client timeout would also count time spent suspended in limbo.
	if cfg.RequestTimeout > 0 {
		rt.ResponseHeaderTimeout = cfg.RequestTimeout
	}
	if cfg.DialTimeout > 0 {
		dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
		rt.DialContext = dialer.DialContext
	}
	return rt, nil
}

func ClientTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         strings.TrimSpace(cfg.ServerName),
	}

	if caPath := strings.TrimSpace(cfg.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("transport: read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		out.RootCAs = pool
	}

	certFile := strings.TrimSpace(cfg.CertFile)
	keyFile := strings.TrimSpace(cfg.KeyFile)
	if (certFile == "") != (keyFile == "") {
		return nil, ErrIncompleteKeyPair
	}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("transport: load client cert: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// headerTimeout gives HTTP/2 the response header deadline http.Transport
// offers natively. The request context stays alive until the body is closed.
type headerTimeout struct {
	next    http.RoundTripper
	timeout time.Duration
}

func (h *headerTimeout) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	timer := time.AfterFunc(h.timeout, cancel)
	resp, err := h.next.RoundTrip(req.WithContext(ctx))
	expired := !timer.Stop()
	if err != nil {
		cancel()
		if expired && req.Context().Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrResponseHeaderTimeout, h.timeout)
		}
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
