package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPBackend dispatches mutations to the sync API over HTTP. One POST per
// mutation to {base}/sync/{entityType}/{op}; the server answers with the
// tri-state result body. 409 carries the authoritative snapshot so the
// resolver has both sides.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type wireRequest struct {
	EntityID    string          `json:"entity_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"base_version"`
	Force       bool            `json:"force,omitempty"`
}

type wireResult struct {
	Version      int64           `json:"version"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	LastModified time.Time       `json:"last_modified"`
}

func NewHTTPBackend(baseURL, apiKey string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

// RegisterAll installs the backend on every (entityType, op) route.
func (b *HTTPBackend) RegisterAll(r *Registry, entityTypes ...string) {
	for _, et := range entityTypes {
		for _, op := range []string{"create", "update", "delete"} {
			route := fmt.Sprintf("%s/sync/%s/%s", b.baseURL, et, op)
			r.RegisterFunc(et, op, func(ctx context.Context, req Request) (Result, error) {
				return b.dispatch(ctx, route, req)
			})
		}
	}
}

func (b *HTTPBackend) dispatch(ctx context.Context, route string, req Request) (Result, error) {
	body, err := json.Marshal(wireRequest{
		EntityID:    req.EntityID,
		Payload:     req.Payload,
		BaseVersion: req.BaseVersion,
		Force:       req.Force,
	})
	if err != nil {
		return Result{Status: StatusFailure}, fmt.Errorf("encode dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, route, bytes.NewReader(body))
	if err != nil {
		return Result{Status: StatusFailure}, fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Result{Status: StatusFailure}, fmt.Errorf("dispatch: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Status: StatusFailure}, fmt.Errorf("read dispatch response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeResult(StatusSuccess, raw)
	case resp.StatusCode == http.StatusConflict:
		return decodeResult(StatusConflict, raw)
	default:
		return Result{Status: StatusFailure}, fmt.Errorf("dispatch: server returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}
}

func decodeResult(status Status, raw []byte) (Result, error) {
	var wire wireResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &wire); err != nil {
			return Result{Status: StatusFailure}, fmt.Errorf("decode dispatch response: %w", err)
		}
	}
	return Result{
		Status:       status,
		Version:      wire.Version,
		Payload:      wire.Payload,
		LastModified: wire.LastModified,
	}, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
