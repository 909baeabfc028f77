package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine/runtime"
)

const maxHTTPResponseBytes = 8 << 20

// HTTPBehavior calls a remote agent or tool endpoint. It sends the node's
// inputs as JSON and returns the decoded JSON response, or the body as a
// string when it is not JSON.
//
// Config: url (required), method (default POST), headers (map of strings).
// A non-2xx status is a behavior failure and is retried like any other.
type HTTPBehavior struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPBehavior creates the behavior. A nil client gets an instrumented
// default; node timeouts bound each call through the context.
func NewHTTPBehavior(client *http.Client, logger *slog.Logger) *HTTPBehavior {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPBehavior{client: client, logger: logger}
}

// Execute implements runtime.Behavior.
func (b *HTTPBehavior) Execute(ctx context.Context, node *domain.Node, inputs runtime.Inputs) (any, error) {
	target, err := httpTarget(node)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(strings.TrimSpace(fmt.Sprint(node.Config["method"])))
	if method == "" || method == "<NIL>" {
		method = http.MethodPost
	}

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		payload, err := json.Marshal(map[string]any{
			"node_id":   node.ID,
			"run_id":    runtime.RunIDFrom(ctx),
			"iteration": runtime.IterationFrom(ctx),
			"inputs":    map[string]any(inputs),
			"metadata":  runtime.MetadataFrom(ctx),
		})
		if err != nil {
			return nil, fmt.Errorf("http node %s: encode inputs: %w", node.ID, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("http node %s: %w", node.ID, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if headers, ok := node.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http node %s: %w", node.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("http node %s: read response: %w", node.ID, err)
	}
	b.logger.Debug("http node call finished", "node_id", node.ID, "host", target.Host, "status", resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("http node %s: upstream returned %s", node.ID, resp.Status)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		return decoded, nil
	}
	return string(raw), nil
}

func httpTarget(node *domain.Node) (*url.URL, error) {
	raw, _ := node.Config["url"].(string)
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("http node %s: config.url is required", node.ID)
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("http node %s: invalid url: %w", node.ID, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("http node %s: unsupported scheme %q", node.ID, target.Scheme)
	}
	return target, nil
}
