// Package remoteenv talks to a hosted sandbox service over HTTP. The service
// allocates machines, runs foreground and background processes and serves
// their filesystem.
package remoteenv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"missionctl/internal/model"
	"missionctl/internal/sandbox"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	defaultPollInterval   = 250 * time.Millisecond
)

// errNotFound marks a 404 from the service.
var errNotFound = errors.New("not found")

type Provider struct {
	baseURL        string
	apiKey         string
	requestTimeout time.Duration
	pollInterval   time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

type Option func(*Provider)

func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(p *Provider) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewProvider(baseURL string, apiKey string, requestTimeout time.Duration, options ...Option) *Provider {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	p := &Provider{
		baseURL:        strings.TrimSpace(baseURL),
		apiKey:         strings.TrimSpace(apiKey),
		requestTimeout: requestTimeout,
		pollInterval:   defaultPollInterval,
		// Per-request deadlines come from contexts; foreground commands may
		// legitimately run far longer than requestTimeout.
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(p)
	}
	return p
}

type createSandboxRequest struct {
	Template string `json:"template"`
}

type sandboxInfo struct {
	SandboxID string `json:"sandboxID"`
	Root      string `json:"root,omitempty"`
}

type processConfig struct {
	Command string `json:"cmd"`
	Timeout int    `json:"timeout,omitempty"`
}

type processResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

type backgroundProcess struct {
	PID int `json:"pid"`
}

type processStatus struct {
	PID      int    `json:"pid"`
	Running  bool   `json:"running"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (p *Provider) Provision(ctx context.Context, template string) (sandbox.Environment, error) {
	var info sandboxInfo
	err := p.doJSON(ctx, p.requestTimeout, http.MethodPost, "/sandboxes", nil, createSandboxRequest{Template: template}, &info)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	if strings.TrimSpace(info.SandboxID) == "" {
		return nil, fmt.Errorf("create sandbox: empty sandbox id")
	}
	root := strings.TrimSpace(info.Root)
	if root == "" {
		root = "/"
	}
	p.logger.Debug("remote sandbox allocated", "sandbox_id", info.SandboxID, "template", template)
	return &Environment{provider: p, id: info.SandboxID, root: root}, nil
}

type Environment struct {
	provider *Provider
	id       string
	root     string
}

func (e *Environment) ID() string {
	return e.id
}

func (e *Environment) Root() string {
	return e.root
}

func (e *Environment) path(suffix string) string {
	return "/sandboxes/" + url.PathEscape(e.id) + suffix
}

func (e *Environment) Run(ctx context.Context, command string, timeout time.Duration) (model.CommandResult, error) {
	seconds := int((timeout + time.Second - 1) / time.Second)
	var out processResult
	err := e.provider.doJSON(ctx, timeout+e.provider.requestTimeout, http.MethodPost, e.path("/process"), nil,
		processConfig{Command: command, Timeout: seconds}, &out)
	if err != nil {
		// The request deadline covers the command timeout, so a service that
		// stops answering is treated as the command timing out.
		if ctx.Err() == nil && requestTimedOut(err) {
			return model.CommandResult{ExitCode: model.ExitCodeTimeout},
				fmt.Errorf("run process: %w after %s: %v", sandbox.ErrTimeout, timeout, err)
		}
		return model.CommandResult{}, fmt.Errorf("run process: %w", err)
	}
	result := model.CommandResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}
	if out.TimedOut {
		result.ExitCode = model.ExitCodeTimeout
		return result, fmt.Errorf("%w after %s", sandbox.ErrTimeout, timeout)
	}
	if out.ExitCode != 0 {
		return result, &sandbox.ExitError{Result: result}
	}
	return result, nil
}

func requestTimedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (e *Environment) Start(ctx context.Context, command string) (sandbox.Process, error) {
	var out backgroundProcess
	err := e.provider.doJSON(ctx, e.provider.requestTimeout, http.MethodPost, e.path("/process/background"), nil,
		processConfig{Command: command}, &out)
	if err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	return &process{env: e, pid: out.PID}, nil
}

func (e *Environment) ReadFile(ctx context.Context, path string) ([]byte, error) {
	body, err := e.provider.do(ctx, e.provider.requestTimeout, http.MethodGet, e.path("/files"), map[string]string{"path": path}, nil, "")
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return body, nil
}

func (e *Environment) WriteFile(ctx context.Context, path string, data []byte) error {
	_, err := e.provider.do(ctx, e.provider.requestTimeout, http.MethodPut, e.path("/files"), map[string]string{"path": path},
		bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (e *Environment) Destroy(ctx context.Context) error {
	_, err := e.provider.do(ctx, e.provider.requestTimeout, http.MethodDelete, e.path(""), nil, nil, "")
	if err != nil && !errors.Is(err, errNotFound) {
		return fmt.Errorf("destroy sandbox %s: %w", e.id, err)
	}
	return nil
}

type process struct {
	env *Environment
	pid int
}

func (p *process) ID() string {
	return strconv.Itoa(p.pid)
}

func (p *process) processPath() string {
	return p.env.path("/process/" + strconv.Itoa(p.pid))
}

func (p *process) status(ctx context.Context) (processStatus, error) {
	var status processStatus
	err := p.env.provider.doJSON(ctx, p.env.provider.requestTimeout, http.MethodGet, p.processPath(), nil, nil, &status)
	return status, err
}

// Kill treats an unknown pid as already gone.
func (p *process) Kill(ctx context.Context) error {
	_, err := p.env.provider.do(ctx, p.env.provider.requestTimeout, http.MethodDelete, p.processPath(), nil, nil, "")
	if err != nil && !errors.Is(err, errNotFound) {
		return fmt.Errorf("kill process %d: %w", p.pid, err)
	}
	return nil
}

func (p *process) Wait(ctx context.Context) (model.CommandResult, error) {
	ticker := time.NewTicker(p.env.provider.pollInterval)
	defer ticker.Stop()
	for {
		status, err := p.status(ctx)
		if err != nil {
			return model.CommandResult{}, fmt.Errorf("poll process %d: %w", p.pid, err)
		}
		if !status.Running {
			return model.CommandResult{Stdout: status.Stdout, Stderr: status.Stderr, ExitCode: status.ExitCode}, nil
		}
		select {
		case <-ctx.Done():
			return model.CommandResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *process) Alive(ctx context.Context) bool {
	status, err := p.status(ctx)
	if err != nil {
		return false
	}
	return status.Running
}

func (p *Provider) doJSON(ctx context.Context, timeout time.Duration, method string, path string, query map[string]string, body any, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
		contentType = "application/json"
	}
	payload, err := p.do(ctx, timeout, method, path, query, reader, contentType)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (p *Provider) do(ctx context.Context, timeout time.Duration, method string, path string, query map[string]string, body io.Reader, contentType string) ([]byte, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("empty sandbox service URL")
	}
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		values := u.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		u.RawQuery = values.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return io.ReadAll(resp.Body)
}
