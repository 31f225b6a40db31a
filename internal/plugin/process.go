package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

const (
	terminationGracePeriod = 5 * time.Second
	maxStderrBytes         = 64 * 1024
	defaultTimeout         = 60 * time.Second
)

// ProcessRequest is written to the entrypoint's stdin.
type ProcessRequest struct {
	Protocol      int               `json:"protocol"`
	Class         string            `json:"class"`
	Request       *protocol.Request `json:"request"`
	Config        map[string]any    `json:"config"`
	AppProperties map[string]any    `json:"app_properties"`
	DeadlineAt    time.Time         `json:"deadline_at"`
}

// ProcessResponse is read from the entrypoint's stdout.
type ProcessResponse struct {
	Status string         `json:"status"` // ok | error
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Logs   []LogEntry     `json:"logs,omitempty"`
}

// LogEntry is a log line reported by the plugin.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ProcessHandler runs one plugin class as a child process per Compute.
type ProcessHandler struct {
	plugin  *Plugin
	class   Class
	timeout time.Duration
	logger  *slog.Logger

	config handler.Config
	props  handler.Properties
}

// NewProcessHandler returns a handler for class of p. A zero class timeout
// falls back to fallback, then to 60s.
func NewProcessHandler(p *Plugin, class Class, fallback time.Duration, logger *slog.Logger) *ProcessHandler {
	timeout := class.Timeout
	if timeout <= 0 {
		timeout = fallback
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ProcessHandler{
		plugin:  p,
		class:   class,
		timeout: timeout,
		logger:  logger.With("plugin", p.Name, "class", class.Name),
	}
}

func (h *ProcessHandler) RequestType() string { return h.plugin.RequestTypeFor(h.class.Name) }

func (h *ProcessHandler) Description() string {
	if h.class.Description != "" {
		return h.class.Description
	}
	if h.plugin.Description != "" {
		return h.plugin.Description
	}
	return fmt.Sprintf("%s %s plugin handler", h.plugin.Name, h.plugin.Version)
}

func (h *ProcessHandler) Construct(cfg handler.Config) error {
	h.config = cfg
	return nil
}

func (h *ProcessHandler) SetAppProperties(props handler.Properties) { h.props = props }

func (h *ProcessHandler) Start(context.Context, *protocol.Request) error { return nil }

func (h *ProcessHandler) Stop(context.Context, *protocol.Response) error { return nil }

// Compute runs the entrypoint with the class name as its only argument.
func (h *ProcessHandler) Compute(ctx context.Context, req *protocol.Request) (map[string]any, error) {
	in := ProcessRequest{
		Protocol:      supportedProtocol,
		Class:         h.class.Name,
		Request:       req,
		Config:        h.config,
		AppProperties: h.props.Map(),
		DeadlineAt:    time.Now().Add(h.timeout).UTC(),
	}
	if in.Config == nil {
		in.Config = map[string]any{}
	}

	resp, stderr, err := h.spawn(ctx, in)
	if stderr != "" {
		h.logger.Debug("plugin stderr", "stderr", stderr)
	}
	if err != nil {
		return nil, err
	}

	for _, entry := range resp.Logs {
		h.logger.Log(ctx, logLevel(entry.Level), entry.Message, "source", "plugin")
	}

	if resp.Status != "ok" {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "plugin reported an error"
		}
		return nil, handler.Errorf(handler.ExecutionError, "%s", msg)
	}
	if resp.Result == nil {
		resp.Result = map[string]any{}
	}
	return resp.Result, nil
}

// spawn starts the entrypoint, writes in to stdin and decodes stdout. On
// timeout or cancellation the process gets SIGTERM, then SIGKILL after a
// grace period.
func (h *ProcessHandler) spawn(ctx context.Context, in ProcessRequest) (*ProcessResponse, string, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, "", fmt.Errorf("encode plugin request: %w", err)
	}

	timeoutTimer := time.NewTimer(h.timeout)
	defer timeoutTimer.Stop()

	// Termination is managed here, so no CommandContext.
	cmd := exec.Command(h.plugin.Entrypoint, h.class.Name)
	cmd.Dir = h.plugin.Path
	cmd.WaitDelay = terminationGracePeriod
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	h.logger.Debug("spawning plugin", "entrypoint", h.plugin.Entrypoint, "timeout", h.timeout)
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start plugin: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-timeoutTimer.C:
		h.terminate(cmd, waitErr)
		return nil, truncateStderr(stderr.String()),
			handler.Errorf(handler.ExecutionError, "plugin %s timed out after %s", h.plugin.Name, h.timeout)

	case <-ctx.Done():
		h.terminate(cmd, waitErr)
		return nil, truncateStderr(stderr.String()), fmt.Errorf("plugin cancelled: %w", ctx.Err())

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for plugin: %w", err)
			}
			h.logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode())
			if stdout.Len() == 0 {
				return nil, stderrStr, fmt.Errorf("plugin exited with status %d: %s",
					exitErr.ExitCode(), firstLine(stderrStr))
			}
		}

		var resp ProcessResponse
		if err := protocol.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
			h.logger.Error("failed to decode plugin response", "error", err, "stdout", truncateStderr(stdout.String()))
			return nil, stderrStr, fmt.Errorf("decode plugin response: %w", err)
		}
		return &resp, stderrStr, nil
	}
}

func (h *ProcessHandler) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	h.logger.Warn("stopping plugin, sending SIGTERM")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		h.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		h.logger.Info("plugin exited after SIGTERM")
	case <-grace.C:
		h.logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			h.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
