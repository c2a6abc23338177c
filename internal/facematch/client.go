package facematch

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

// Client calls the face recognition microservice to extract embeddings from
// camera frames.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

var _ Matcher = (*Client)(nil)

// NewClient creates a client. With skip set, Detect returns a canned
// embedding so the rest of the pipeline can run without the service.
func NewClient(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

// Detect sends the frame to the embed endpoint and returns the embedding of
// the detected face, if any.
func (c *Client) Detect(ctx context.Context, frame Frame) ([]float32, bool, error) {
	if c.Skip {
		return []float32{0.1, 0.2, 0.3}, true, nil
	}
	if len(frame) == 0 {
		return nil, false, fmt.Errorf("empty frame")
	}

	body, _ := json.Marshal(map[string]string{
		"image_b64": base64.StdEncoding.EncodeToString(frame),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Embedding     []float32 `json:"embedding"`
		FacesDetected int       `json:"faces_detected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("decode face response: %w", err)
	}
	if out.FacesDetected == 0 || len(out.Embedding) == 0 {
		return nil, false, nil
	}
	return out.Embedding, true, nil
}

// Health pings the face service.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
