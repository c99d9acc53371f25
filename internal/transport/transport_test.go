package transport

import (
	"context"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/lifeline/internal/credential"
	"github.com/danmuck/lifeline/internal/failure"
	"golang.org/x/net/http2"
)

func writeServerCA(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ca.crt")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	return path
}

func TestNewBaseDefaults(t *testing.T) {
	rt, err := NewBase(Config{RequestTimeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("new base: %v", err)
	}
	ht, ok := rt.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", rt)
	}
	if ht.ResponseHeaderTimeout != 3*time.Second {
		t.Fatalf("response header timeout = %v", ht.ResponseHeaderTimeout)
	}
}

func TestNewBaseHTTP2AgainstTLSServer(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()

	rt, err := NewBase(Config{HTTP2: true, TLS: TLSConfig{CAFile: writeServerCA(t, srv)}})
	if err != nil {
		t.Fatalf("new base: %v", err)
	}
	h2, ok := rt.(*http2.Transport)
	if !ok {
		t.Fatalf("expected *http2.Transport, got %T", rt)
	}
	if h2.DialTLSContext == nil {
		t.Fatalf("dial timeout not applied to HTTP/2 dials")
	}

	resp, err := (&http.Client{Transport: rt}).Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.ProtoMajor != 2 {
		t.Fatalf("proto = %s, want HTTP/2", resp.Proto)
	}
}

func TestHTTP2ResponseHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		_, _ = w.Write([]byte("ok"))
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()
	defer close(release)

	rt, err := NewBase(Config{
		HTTP2:          true,
		DialTimeout:    time.Second,
		RequestTimeout: 100 * time.Millisecond,
		TLS:            TLSConfig{CAFile: writeServerCA(t, srv)},
	})
	if err != nil {
		t.Fatalf("new base: %v", err)
	}
	client := &http.Client{Transport: rt}

	resp, err := client.Get(srv.URL + "/fast")
	if err != nil {
		t.Fatalf("fast request: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil || string(body) != "ok" {
		t.Fatalf("fast body = %q, err %v", body, err)
	}

	_, err = client.Get(srv.URL + "/slow")
	if !errors.Is(err, ErrResponseHeaderTimeout) {
		t.Fatalf("expected ErrResponseHeaderTimeout, got %v", err)
	}
	if !failure.IsConnection(failure.FromTransport(srv.URL+"/slow", err)) {
		t.Fatalf("header timeout should classify as a connection failure")
	}
}

func TestClientTLSConfigErrors(t *testing.T) {
	if _, err := ClientTLSConfig(TLSConfig{CertFile: "client.crt"}); !errors.Is(err, ErrIncompleteKeyPair) {
		t.Fatalf("expected ErrIncompleteKeyPair, got %v", err)
	}
	if _, err := ClientTLSConfig(TLSConfig{CAFile: filepath.Join(t.TempDir(), "missing.crt")}); err == nil {
		t.Fatalf("missing ca bundle should fail")
	}
	bad := filepath.Join(t.TempDir(), "bad.crt")
	_ = os.WriteFile(bad, []byte("not pem"), 0o644)
	if _, err := ClientTLSConfig(TLSConfig{CAFile: bad}); err == nil {
		t.Fatalf("unparsable ca bundle should fail")
	}
}

func TestAPIGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/init":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"current_version":"1.0.0"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	api := NewAPI(srv.Client(), srv.URL+"/", credential.Token("tok"))
	var body map[string]string
	if err := api.GetJSON(context.Background(), "init", &body); err != nil {
		t.Fatalf("get json: %v", err)
	}
	if body["current_version"] != "1.0.0" {
		t.Fatalf("unexpected body %v", body)
	}

	err := api.GetJSON(context.Background(), "/other", nil)
	if !failure.IsMaintenance(err) {
		t.Fatalf("expected maintenance status error, got %v", err)
	}

	anon := NewAPI(srv.Client(), srv.URL, credential.Absent())
	var statusErr *failure.StatusError
	if err := anon.GetJSON(context.Background(), "/init", nil); !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v", err)
	}
}

func TestAPIConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	api := NewAPI(nil, url, credential.Unset())
	err := api.GetJSON(context.Background(), "/init", nil)
	if !failure.IsConnection(err) {
		t.Fatalf("expected connection failure, got %v", err)
	}
}
