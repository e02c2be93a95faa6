package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// principal is the identity kbctl presents to the API. The API's gateway
// would normally inject these headers after token validation.
type principal struct {
	OrgID       string
	WorkspaceID string
	UserID      string
	Role        string
}

type apiClient struct {
	base string
	http *http.Client
	p    principal
}

func newAPIClient(base string, p principal) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
		p:    p,
	}
}

// do issues one request and decodes the JSON response into out (or
// returns the raw body when out is nil).
func (c *apiClient) do(method, path string, body, out any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Org-ID", c.p.OrgID)
	req.Header.Set("X-Workspace-ID", c.p.WorkspaceID)
	req.Header.Set("X-User-ID", c.p.UserID)
	req.Header.Set("X-Role", c.p.Role)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return raw, fmt.Errorf("%s (%s, HTTP %d)", apiErr.Error, apiErr.Kind, resp.StatusCode)
		}
		return raw, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("decode response: %w", err)
		}
	}
	return raw, nil
}

func (c *apiClient) get(path string, out any) ([]byte, error) {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) ([]byte, error) {
	return c.do(http.MethodPost, path, body, out)
}

// printJSON pretty-prints a raw response for --json mode.
func printJSON(raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}
