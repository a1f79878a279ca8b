package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Upload stores a blob in the configured private bucket under the given
// key. Keys are namespaced by the caller (owner/conversation/timestamp).
func (c *Client) Upload(ctx context.Context, key, contentType string, r io.Reader) error {
	reqURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, c.bucket, key)
	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, r)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("storage error (status %d): %s", resp.StatusCode, string(body))
	}

	log.Printf("[Storage] Uploaded object %s/%s", c.bucket, key)
	return nil
}

// SignedURL mints a time-bounded retrieval link for an object in the
// private bucket.
func (c *Client) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	payload := map[string]interface{}{
		"expiresIn": int(ttl.Seconds()),
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal sign request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", c.baseURL, c.bucket, key)
	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create sign request: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sign request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read sign response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("storage error (status %d): %s", resp.StatusCode, string(body))
	}

	var signed struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.Unmarshal(body, &signed); err != nil {
		return "", fmt.Errorf("failed to parse sign response: %w", err)
	}
	if signed.SignedURL == "" {
		return "", fmt.Errorf("sign response carried no URL")
	}

	return fmt.Sprintf("%s/storage/v1%s", c.baseURL, signed.SignedURL), nil
}
