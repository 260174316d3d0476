package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"governance-runtime/internal/identity"
)

// client is the thin HTTP wrapper every governctl subcommand uses to talk
// to a running governanced instance, grounded on the teacher's cmd/cli
// style of one small helper per external dependency rather than a generated
// SDK.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{baseURL: baseURL, http: &http.Client{Timeout: 15 * time.Second}}
}

func (c *client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// putNodeRequest mirrors internal/api's wire shape for POST /nodes.
type putNodeRequest struct {
	Kind      uint8             `json:"kind"`
	CustomTag string            `json:"custom_tag"`
	Data      []byte            `json:"data"`
	Parents   []string          `json:"parents"`
	Issuer    identity.DID      `json:"issuer"`
	Timestamp time.Time         `json:"timestamp"`
	Signature []byte            `json:"signature"`
	Metadata  map[string]string `json:"metadata"`
}
