package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/danmuck/lifeline/internal/credential"
	"github.com/danmuck/lifeline/internal/failure"
)

// API is the authorized handle bound to one backend base URL and credential.
// It is immutable; a credential or target change produces a new API.
type API struct {
	client     *http.Client
	baseURL    string
	credential credential.Credential
}

func NewAPI(client *http.Client, baseURL string, cred credential.Credential) *API {
	if client == nil {
		client = http.DefaultClient
	}
	return &API{
		client:     client,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		credential: cred,
	}
}

func (a *API) BaseURL() string { return a.baseURL }

func (a *API) Client() *http.Client { return a.client }

func (a *API) Credential() credential.Credential { return a.credential }

// URL joins path onto the base URL.
func (a *API) URL(path string) string {
	if path == "" {
		return a.baseURL
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return a.baseURL + path
}

// NewRequest builds a request against the base URL carrying the bearer token
// when the credential has one.
func (a *API) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.URL(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if token, ok := a.credential.Bearer(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// Do sends req, wrapping no-response errors as failure.ConnectionError.
func (a *API) Do(req *http.Request) (*http.Response, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, failure.FromTransport(req.URL.String(), err)
	}
	return resp, nil
}

// GetJSON fetches path and decodes a 2xx JSON body into out. Non-2xx
// responses return *failure.StatusError.
func (a *API) GetJSON(ctx context.Context, path string, out any) error {
	req, err := a.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := a.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := failure.CheckResponse(resp); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: decode %s: %w", req.URL.Path, err)
	}
	return nil
}
