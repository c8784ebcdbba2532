package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider calls the speech service's HTTP side: minting transient stream
// credentials and the out-of-band end-of-stream notification. The long-lived
// API key lives here and only here.
type Provider struct {
	tokenURL   string
	endURL     string
	apiKey     string
	httpClient *http.Client
}

// StreamCredentials are the transient connection parameters returned by the
// token endpoint. They are safe to hand to a client; the API key is not.
type StreamCredentials struct {
	Token     string `json:"token"`
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// NewProvider creates a provider client.
func NewProvider(tokenURL, endURL, apiKey string) *Provider {
	return &Provider{
		tokenURL: tokenURL,
		endURL:   endURL,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Setup requests transient credentials and the stream endpoint.
func (p *Provider) Setup(ctx context.Context, language string, sampleRate int) (*StreamCredentials, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"language":    language,
		"sample_rate": sampleRate,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create setup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: setup request: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read setup response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: setup returned HTTP %d: %s", ErrConnection, resp.StatusCode, string(body))
	}

	var creds StreamCredentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse setup response: %w", err)
	}
	if creds.URL == "" {
		return nil, fmt.Errorf("%w: setup response missing stream url", ErrConnection)
	}

	return &creds, nil
}

// NotifyEnd tells the service that no further audio will arrive for the
// given job. This is the backup path for the in-band end-of-stream signal.
func (p *Provider) NotifyEnd(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}

	payload, err := json.Marshal(map[string]string{"job_id": jobID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create end-stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("end-stream request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("end-stream returned HTTP %d", resp.StatusCode)
	}
	return nil
}
