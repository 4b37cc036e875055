package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jordanhubbard/foundry/internal/sberrors"
)

// ExecResult is the outcome of one command run inside a sandbox.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Provider is the sandbox-provisioning service boundary. Implementations
// return errors classified through internal/sberrors so callers can switch
// on retry class instead of error text.
type Provider interface {
	Create(ctx context.Context, template string) (string, error)
	Connect(ctx context.Context, sandboxID string) error
	Pause(ctx context.Context, sandboxID string) error
	Kill(ctx context.Context, sandboxID string) error
	RunCommand(ctx context.Context, sandboxID, command string, timeout time.Duration) (*ExecResult, error)
	WriteFile(ctx context.Context, sandboxID, path, content string) error
	ReadFile(ctx context.Context, sandboxID, path string) (string, error)
}

// HTTPProvider talks to the sandbox service over its HTTP control API.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider client. probeTimeout bounds control
// calls (create/connect/pause/kill); command runs get their own deadline.
func NewHTTPProvider(baseURL string, probeTimeout time.Duration) *HTTPProvider {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: probeTimeout,
		},
	}
}

// Create provisions a new sandbox from a template and returns its id.
func (p *HTTPProvider) Create(ctx context.Context, template string) (string, error) {
	var out struct {
		SandboxID string `json:"sandbox_id"`
	}
	err := p.do(ctx, p.httpClient, "create", http.MethodPost, "/sandboxes",
		map[string]string{"template": template}, &out)
	if err != nil {
		return "", err
	}
	if out.SandboxID == "" {
		return "", sberrors.New(sberrors.ClassUnknown, "create", fmt.Errorf("provider returned empty sandbox id"))
	}
	return out.SandboxID, nil
}

// Connect verifies an existing sandbox is reachable.
func (p *HTTPProvider) Connect(ctx context.Context, sandboxID string) error {
	return p.do(ctx, p.httpClient, "connect", http.MethodPost,
		"/sandboxes/"+sandboxID+"/connect", nil, nil)
}

// Pause suspends a running sandbox.
func (p *HTTPProvider) Pause(ctx context.Context, sandboxID string) error {
	return p.do(ctx, p.httpClient, "pause", http.MethodPost,
		"/sandboxes/"+sandboxID+"/pause", nil, nil)
}

// Kill tears a sandbox down.
func (p *HTTPProvider) Kill(ctx context.Context, sandboxID string) error {
	return p.do(ctx, p.httpClient, "kill", http.MethodDelete,
		"/sandboxes/"+sandboxID, nil, nil)
}

// RunCommand executes a command synchronously in the sandbox. The HTTP
// client gets headroom past the command deadline so the provider can report
// a timeout itself rather than the transport cutting it off.
func (p *HTTPProvider) RunCommand(ctx context.Context, sandboxID, command string, timeout time.Duration) (*ExecResult, error) {
	client := &http.Client{Timeout: timeout + 30*time.Second}
	var out ExecResult
	err := p.do(ctx, client, "exec", http.MethodPost,
		"/sandboxes/"+sandboxID+"/exec",
		map[string]interface{}{
			"command":         command,
			"timeout_seconds": int(timeout.Seconds()),
		}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// WriteFile writes content to a workspace-relative path in the sandbox.
func (p *HTTPProvider) WriteFile(ctx context.Context, sandboxID, filePath, content string) error {
	cleaned, err := ValidatePath(filePath)
	if err != nil {
		return sberrors.New(sberrors.ClassPermanent, "write_file", err)
	}
	return p.do(ctx, p.httpClient, "write_file", http.MethodPut,
		"/sandboxes/"+sandboxID+"/files",
		map[string]string{"path": cleaned, "content": content}, nil)
}

// ReadFile reads a workspace-relative path from the sandbox.
func (p *HTTPProvider) ReadFile(ctx context.Context, sandboxID, filePath string) (string, error) {
	cleaned, err := ValidatePath(filePath)
	if err != nil {
		return "", sberrors.New(sberrors.ClassPermanent, "read_file", err)
	}
	var out struct {
		Content string `json:"content"`
	}
	err = p.do(ctx, p.httpClient, "read_file", http.MethodPost,
		"/sandboxes/"+sandboxID+"/files/read",
		map[string]string{"path": cleaned}, &out)
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

// do issues one provider request and classifies any failure.
func (p *HTTPProvider) do(ctx context.Context, client *http.Client, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return sberrors.New(sberrors.ClassPermanent, op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return sberrors.New(sberrors.ClassPermanent, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return sberrors.FromTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return sberrors.FromStatus(op, resp.StatusCode,
			fmt.Errorf("%s", bytes.TrimSpace(respBody)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return sberrors.New(sberrors.ClassUnknown, op, fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}
