package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// postJSON sends body as a JSON POST to path and decodes the response into
// out (if non-nil). A non-2xx response is surfaced as an error carrying the
// server's {"error": "..."} message when present.
func postJSON(path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	resp, err := newHTTPClient().Post(serverAddr+path, "application/json", reqBody)
	if err != nil {
		return fmt.Errorf("calling reachd: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func getJSON(path string, out any) error {
	resp, err := newHTTPClient().Get(serverAddr + path)
	if err != nil {
		return fmt.Errorf("calling reachd: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("reachd: %s (%s)", apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("reachd returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
