package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/1ureka/p2pperf/internal/candidate"
)

// requestTimeout bounds each batched exchange.
const requestTimeout = 10 * time.Second

// HTTPClient is the batched Channel: one POST per exchange.
type HTTPClient struct {
	base string
	http *http.Client
}

// NewHTTPClient creates a client for the server at baseURL, e.g.
// "http://203.0.113.7:8080". A missing scheme defaults to http.
func NewHTTPClient(baseURL string) *HTTPClient {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &HTTPClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

// SubmitOffer posts the local description and returns the remote one.
func (c *HTTPClient) SubmitOffer(ctx context.Context, desc string) (string, error) {
	body, err := c.post(ctx, RouteDescription, "text/plain; charset=utf-8", strings.NewReader(desc))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(body)) == "" {
		return "", failed("empty description in reply")
	}
	return string(body), nil
}

// PublishCandidates posts the local candidates and returns the remote ones.
func (c *HTTPClient) PublishCandidates(ctx context.Context, cands []candidate.Candidate) ([]candidate.Candidate, error) {
	payload, err := json.Marshal(candidate.List{Candidates: nonNil(cands)})
	if err != nil {
		return nil, failed("encode candidates: %v", err)
	}

	body, err := c.post(ctx, RouteCandidates, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	var reply candidate.List
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, failed("malformed candidate reply: %v", err)
	}
	if err := validateAll(reply.Candidates); err != nil {
		return nil, failed("%v", err)
	}
	return reply.Candidates, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) post(ctx context.Context, route, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+route, body)
	if err != nil {
		return nil, failed("build request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: POST %s: %w", ErrSignaling, route, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, failed("read %s reply: %v", route, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, failed("POST %s: %s: %s", route, resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}
