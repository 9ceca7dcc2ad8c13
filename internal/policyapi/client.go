// Package policyapi is the client for the external Windows policy server,
// the system of record the endpoint agents actually enforce. The committer
// translates ChangeSets into calls against its fileInstance, fileRule, and
// certificate resources.
package policyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// ApprovalState is the tri-state approval value shared by fileInstance
// localState, fileRule fileState, and certificate certificateState.
type ApprovalState int

const (
	StateUnapproved ApprovalState = 1
	StateApproved   ApprovalState = 2
	StateBanned     ApprovalState = 3
)

// ErrNotFound is returned by point lookups for absent resources.
var ErrNotFound = errors.New("policyapi: not found")

// FileInstance is one observed copy of a file on one computer.
type FileInstance struct {
	ID            string        `json:"id"`
	FileCatalogID string        `json:"fileCatalogId"`
	ComputerID    string        `json:"computerId"`
	LocalState    ApprovalState `json:"localState"`
}

// FileRule is the global policy record for a file.
type FileRule struct {
	FileCatalogID     string        `json:"fileCatalogId"`
	FileState         ApprovalState `json:"fileState"`
	ForceInstaller    bool          `json:"forceInstaller"`
	ForceNotInstaller bool          `json:"forceNotInstaller"`
}

// Certificate is a codesigning certificate known to the policy server.
type Certificate struct {
	ID               string        `json:"id"`
	Thumbprint       string        `json:"thumbprint"`
	CertificateState ApprovalState `json:"certificateState"`
}

// Client is the surface the committer needs.
type Client interface {
	// FileInstances returns the instances of a file on one computer.
	FileInstances(ctx context.Context, fileCatalogID, computerID string) ([]FileInstance, error)
	// UpdateLocalState sets the localState of one file instance.
	UpdateLocalState(ctx context.Context, instance FileInstance) error
	// PostFileRule upserts the global policy record for a file.
	PostFileRule(ctx context.Context, rule FileRule) error
	// FileRules returns the existing global policy records for a file.
	FileRules(ctx context.Context, fileCatalogID string) ([]FileRule, error)
	// CertificateByThumbprint looks up a certificate.
	CertificateByThumbprint(ctx context.Context, thumbprint string) (*Certificate, error)
	// SetCertificateState sets a certificate's state.
	SetCertificateState(ctx context.Context, certID string, state ApprovalState) error
}

// HTTPClient talks to the policy server's REST API, authenticating with a
// static API token.
type HTTPClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	logger  *log.Logger
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: timeout},
		logger:  log.New(log.Writer(), "[PolicyAPI] ", log.LstdFlags),
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("policyapi: marshal %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("X-Auth-Token", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("policyapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("policyapi: %s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("policyapi: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *HTTPClient) FileInstances(ctx context.Context, fileCatalogID, computerID string) ([]FileInstance, error) {
	q := url.Values{}
	q.Add("q", "fileCatalogId:"+fileCatalogID)
	q.Add("q", "computerId:"+computerID)
	var instances []FileInstance
	if err := c.do(ctx, http.MethodGet, "/fileInstance", q, nil, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

func (c *HTTPClient) UpdateLocalState(ctx context.Context, instance FileInstance) error {
	return c.do(ctx, http.MethodPost, "/fileInstance", nil, instance, nil)
}

func (c *HTTPClient) PostFileRule(ctx context.Context, rule FileRule) error {
	return c.do(ctx, http.MethodPost, "/fileRule", nil, rule, nil)
}

func (c *HTTPClient) FileRules(ctx context.Context, fileCatalogID string) ([]FileRule, error) {
	q := url.Values{}
	q.Add("q", "fileCatalogId:"+fileCatalogID)
	var rules []FileRule
	if err := c.do(ctx, http.MethodGet, "/fileRule", q, nil, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (c *HTTPClient) CertificateByThumbprint(ctx context.Context, thumbprint string) (*Certificate, error) {
	q := url.Values{}
	q.Add("q", "thumbprint:"+thumbprint)
	var certs []Certificate
	if err := c.do(ctx, http.MethodGet, "/certificate", q, nil, &certs); err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: certificate %s", ErrNotFound, thumbprint)
	}
	return &certs[0], nil
}

func (c *HTTPClient) SetCertificateState(ctx context.Context, certID string, state ApprovalState) error {
	body := map[string]any{"id": certID, "certificateState": state}
	return c.do(ctx, http.MethodPost, "/certificate", nil, body, nil)
}

var _ Client = (*HTTPClient)(nil)
