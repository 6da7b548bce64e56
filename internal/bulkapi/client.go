// Package bulkapi is the thin consumer of the remote tenant's Bulk Query,
// Bulk Ingest, Describe, and Limits APIs (spec.md §6). It owns only wire
// shape and classification (errors.go); job orchestration, polling policy,
// and retry live one layer up in internal/extract and internal/restore.
package bulkapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// TokenSource returns the current bearer session token. It is the seam to
// the credential store, an external collaborator (spec.md §1); callers
// typically back it with internal/credentials.Store.Token.
type TokenSource func(ctx context.Context) (string, error)

// Client talks to one source or target tenant's Bulk/Describe/Limits APIs.
// Zero-value Client is not usable; construct with New.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string // e.g. https://my-tenant.example.com
	APIVersion string // e.g. "62.0"
	Token      TokenSource
}

// New builds a Client with no transport-level timeout by default (spec.md
// §5 "Timeouts": the caller controls deadlines via ctx), overridden by
// httpClient if the caller supplies one with its own Timeout set.
func New(baseURL, apiVersion string, token TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0} // caller controls deadlines via ctx
	}
	return &Client{HTTPClient: httpClient, BaseURL: baseURL, APIVersion: apiVersion, Token: token}
}

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s/services/data/v%s%s", c.BaseURL, c.APIVersion, path)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	tok, err := c.Token(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("obtain session token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-PrettyPrint", "0")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return resp, data, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp, data, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, data, nil
}

// --- Describe API ---

// DescribeGlobalEntry is one row of describeGlobal().
type DescribeGlobalEntry struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Queryable bool   `json:"queryable"`
}

func (c *Client) DescribeGlobal(ctx context.Context) ([]DescribeGlobalEntry, error) {
	var out struct {
		SObjects []DescribeGlobalEntry `json:"sobjects"`
	}
	if _, _, err := c.do(ctx, http.MethodGet, "/sobjects", nil, "", &out); err != nil {
		return nil, err
	}
	return out.SObjects, nil
}

// DescribeField is one field entry from describeSObject.
type DescribeField struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	ExternalID   bool     `json:"externalId"`
	ReferenceTo  []string `json:"referenceTo"`
}

// DescribeChildRelationship is one child-relationship entry.
type DescribeChildRelationship struct {
	ChildSObject     string `json:"childSObject"`
	Field            string `json:"field"`
	RelationshipName string `json:"relationshipName"`
}

// DescribeSObjectResult is the subset of describeSObject this system uses.
type DescribeSObjectResult struct {
	Name               string                      `json:"name"`
	Label              string                      `json:"label"`
	Fields             []DescribeField             `json:"fields"`
	ChildRelationships []DescribeChildRelationship `json:"childRelationships"`
}

func (c *Client) DescribeSObject(ctx context.Context, object string) (*DescribeSObjectResult, error) {
	var out DescribeSObjectResult
	if _, _, err := c.do(ctx, http.MethodGet, "/sobjects/"+url.PathEscape(object)+"/describe", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Limits API (advisory only; spec.md §6) ---

// Limits is the subset of /limits this system displays.
type Limits struct {
	DailyAPIRequests   LimitPair `json:"DailyApiRequests"`
	DailyBulkAPIBatches LimitPair `json:"DailyBulkApiBatches"`
}

// LimitPair is a remaining/max counter pair.
type LimitPair struct {
	Max       int `json:"Max"`
	Remaining int `json:"Remaining"`
}

func (c *Client) Limits(ctx context.Context) (*Limits, error) {
	var out Limits
	if _, _, err := c.do(ctx, http.MethodGet, "/limits", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Bulk Query API (spec.md §6) ---

// QueryJobResponse is the create/get response shape for a Bulk query job.
type QueryJobResponse struct {
	ID                     string `json:"id"`
	State                  string `json:"state"`
	NumberRecordsProcessed int64  `json:"numberRecordsProcessed"`
}

func (c *Client) CreateQueryJob(ctx context.Context, object, soql string) (*QueryJobResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"operation":   "query",
		"query":       soql,
		"contentType": "CSV",
	})
	var out QueryJobResponse
	if _, _, err := c.do(ctx, http.MethodPost, "/jobs/query", bytes.NewReader(body), "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetQueryJob(ctx context.Context, jobID string) (*QueryJobResponse, error) {
	var out QueryJobResponse
	if _, _, err := c.do(ctx, http.MethodGet, "/jobs/query/"+url.PathEscape(jobID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryResults is one page of CSV rows plus the locator for the next page,
// if any (empty string means exhausted).
type QueryResults struct {
	CSV         []byte
	NextLocator string
}

func (c *Client) GetQueryResults(ctx context.Context, jobID, locator string) (*QueryResults, error) {
	path := "/jobs/query/" + url.PathEscape(jobID) + "/results"
	if locator != "" {
		path += "?locator=" + url.QueryEscape(locator)
	}
	resp, data, err := c.do(ctx, http.MethodGet, path, nil, "", nil)
	if err != nil {
		return nil, err
	}
	return &QueryResults{CSV: data, NextLocator: resp.Header.Get("Sforce-Locator")}, nil
}

func (c *Client) AbortQueryJob(ctx context.Context, jobID string) error {
	body, _ := json.Marshal(map[string]string{"state": "Aborted"})
	_, _, err := c.do(ctx, http.MethodPatch, "/jobs/query/"+url.PathEscape(jobID), bytes.NewReader(body), "application/json", nil)
	return err
}

func (c *Client) CloseQueryJob(ctx context.Context, jobID string) error {
	_, _, err := c.do(ctx, http.MethodDelete, "/jobs/query/"+url.PathEscape(jobID), nil, "", nil)
	return err
}

// --- Blob download (sidecar, spec.md §4.2) ---

// GetBlob downloads a single binary field value for one record.
func (c *Client) GetBlob(ctx context.Context, object, recordID, field string) ([]byte, error) {
	path := "/sobjects/" + url.PathEscape(object) + "/" + url.PathEscape(recordID) + "/" + url.PathEscape(field)
	_, data, err := c.do(ctx, http.MethodGet, path, nil, "", nil)
	return data, err
}

// --- Bulk Ingest API (spec.md §6) ---

// IngestJobResponse is the create/get response shape for a Bulk ingest job.
type IngestJobResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (c *Client) CreateIngestJob(ctx context.Context, object string, operation string, externalIDField string) (*IngestJobResponse, error) {
	payload := map[string]string{
		"object":      object,
		"operation":   operation,
		"lineEnding":  "LF",
		"contentType": "CSV",
	}
	if externalIDField != "" {
		payload["externalIdFieldName"] = externalIDField
	}
	body, _ := json.Marshal(payload)
	var out IngestJobResponse
	if _, _, err := c.do(ctx, http.MethodPost, "/jobs/ingest", bytes.NewReader(body), "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UploadJobData(ctx context.Context, jobID string, csvData []byte) error {
	_, _, err := c.do(ctx, http.MethodPut, "/jobs/ingest/"+url.PathEscape(jobID)+"/batches", bytes.NewReader(csvData), "text/csv", nil)
	return err
}

func (c *Client) CloseIngestJobForUpload(ctx context.Context, jobID string) error {
	body, _ := json.Marshal(map[string]string{"state": "UploadComplete"})
	_, _, err := c.do(ctx, http.MethodPatch, "/jobs/ingest/"+url.PathEscape(jobID), bytes.NewReader(body), "application/json", nil)
	return err
}

func (c *Client) GetIngestJob(ctx context.Context, jobID string) (*IngestJobResponse, error) {
	var out IngestJobResponse
	if _, _, err := c.do(ctx, http.MethodGet, "/jobs/ingest/"+url.PathEscape(jobID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSuccessfulResults(ctx context.Context, jobID string) ([]byte, error) {
	_, data, err := c.do(ctx, http.MethodGet, "/jobs/ingest/"+url.PathEscape(jobID)+"/successfulResults", nil, "", nil)
	return data, err
}

func (c *Client) GetFailedResults(ctx context.Context, jobID string) ([]byte, error) {
	_, data, err := c.do(ctx, http.MethodGet, "/jobs/ingest/"+url.PathEscape(jobID)+"/failedResults", nil, "", nil)
	return data, err
}

