package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/client"
)

// agentClient is the cached HTTP client for one downstream agent. Requests
// carry the modern dialect; streaming responses arrive as SSE.
type agentClient struct {
	http    *http.Client
	url     string
	token   string
	timeout time.Duration
}

// newAgentClient builds a client whose timeout bounds the connect and
// response-header phases only. A whole-request deadline would cut long SSE
// streams mid-flight; non-streaming sends get one via their context instead.
func newAgentClient(url, token string, timeout time.Duration) *agentClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &agentClient{
		http:    &http.Client{Transport: transport},
		url:     url,
		token:   token,
		timeout: timeout,
	}
}

func (c *agentClient) post(ctx context.Context, req *a2a.Request, accept string) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("downstream request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("downstream returned %d: %s", resp.StatusCode, string(snippet))
	}
	return resp, nil
}

// Send posts a non-streaming request and returns the single response.
func (c *agentClient) Send(ctx context.Context, req *a2a.Request) (*a2a.Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.post(ctx, req, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read downstream response: %w", err)
	}
	return a2a.ParseResponse(body)
}

// Stream posts a streaming request and yields each SSE-delivered response
// envelope. A non-nil error from yield aborts the stream.
func (c *agentClient) Stream(ctx context.Context, req *a2a.Request, yield func(*a2a.Response) error) error {
	resp, err := c.post(ctx, req, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := client.NewSSEReader(resp.Body)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream read failed: %w", err)
		}
		if len(event.Data) == 0 {
			continue
		}
		envelope, err := a2a.ParseResponse(event.Data)
		if err != nil {
			return fmt.Errorf("invalid stream payload: %w", err)
		}
		if err := yield(envelope); err != nil {
			return err
		}
	}
}

// Close releases idle connections.
func (c *agentClient) Close() {
	c.http.CloseIdleConnections()
}
