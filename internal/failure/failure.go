// Package failure classifies transport outcomes into the three kinds the
// orchestrator reacts to differently.
package failure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the recovery class of a failed request.
type Kind int

const (
	KindNone Kind = iota
	// KindConnection: no response was received.
	KindConnection
	// KindApplication: a response arrived with an error status.
	KindApplication
	// KindFatal: anything else, including caller cancellation.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnection:
		return "connection"
	case KindApplication:
		return "application"
	default:
		return "fatal"
	}
}

// StatusError is returned when the backend answered with a non-success status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failure: %s responded %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// ConnectionError marks a request that never produced a response.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failure: no response from %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CheckResponse maps a non-2xx response to a *StatusError.
func CheckResponse(resp *http.Response) error {
	if resp == nil {
		return nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.String()
	}
	return &StatusError{StatusCode: resp.StatusCode, URL: url}
}

// Classify assigns a Kind to err. Errors returned by an http.RoundTripper or
// http.Client without a response are connection failures unless the caller's
// own context ended them.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return KindApplication
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return KindConnection
	}
	return KindFatal
}

// FromTransport wraps an error produced by a transport round trip. A nil
// error passes through. Errors that retrying cannot fix, such as an untrusted
// certificate or an unsupported scheme, are returned unwrapped and classify
// as fatal.
func FromTransport(url string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || permanent(err) {
		return err
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	return &ConnectionError{URL: url, Err: err}
}

// requestErrors are the messages net/http uses for requests it refuses to
// send. Their types are unexported.
var requestErrors = []string{
	"unsupported protocol scheme",
	"no Host in request URL",
	"invalid header field",
}

func permanent(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		recordErr    tls.RecordHeaderError
		alertErr     tls.AlertError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &authorityErr),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr),
		errors.As(err, &recordErr),
		errors.As(err, &alertErr):
		return true
	}
	msg := err.Error()
	for _, m := range requestErrors {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func IsConnection(err error) bool { return Classify(err) == KindConnection }

// IsMaintenance reports a 503 Service Unavailable response.
func IsMaintenance(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusServiceUnavailable
}
