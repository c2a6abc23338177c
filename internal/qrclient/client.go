// Package qrclient calls the QR decode microservice: given an encoded image,
// return the embedded string or nothing.
package qrclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client decodes QR codes out of image frames via an HTTP service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set, the frame bytes are treated as the
// payload text itself, which lets dev setups scan without the service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Decode returns the string embedded in the frame's QR code, or found=false
// when the frame holds no readable code.
func (c *Client) Decode(ctx context.Context, frame []byte) (string, bool, error) {
	if c.Skip {
		if len(frame) == 0 {
			return "", false, nil
		}
		return string(frame), true, nil
	}
	if len(frame) == 0 {
		return "", false, nil
	}

	body, _ := json.Marshal(map[string]string{
		"image_b64": base64.StdEncoding.EncodeToString(frame),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/decode", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("qr service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("qr service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Data  string `json:"data"`
		Found bool   `json:"found"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("decode qr response: %w", err)
	}
	if !out.Found || out.Data == "" {
		return "", false, nil
	}
	return out.Data, true, nil
}
