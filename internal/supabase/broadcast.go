package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Broadcast is the ephemeral pub/sub collaborator over Supabase Realtime.
// Publishing goes through the Broadcast REST API so no websocket is needed
// on the send path; subscriptions ride the shared Realtime websocket.
// Delivery is best-effort, at-most-once.
type Broadcast struct {
	client *Client
}

// Publish sends a payload to every subscriber of the channel.
func (b *Broadcast) Publish(ctx context.Context, channel string, payload []byte) error {
	body := map[string]interface{}{
		"messages": []map[string]interface{}{
			{
				"topic":   channel,
				"event":   "broadcast",
				"payload": json.RawMessage(payload),
			},
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	reqURL := fmt.Sprintf("%s/realtime/v1/api/broadcast", b.client.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create broadcast request: %w", err)
	}

	req.Header.Set("apikey", b.client.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", b.client.apiKey))

	resp, err := b.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broadcast request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("broadcast error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Subscribe registers for a channel's broadcast events over the Realtime
// websocket.
func (b *Broadcast) Subscribe(channel string, fn func(payload []byte)) (func(), error) {
	return b.client.realtime.SubscribeBroadcast(channel, fn)
}
