package toolgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/binary-insights/prompt2mesh/internal/job"
)

// Engine command names. The engine closes the connection after each response,
// so every command runs on a fresh connection.
const (
	cmdExecuteCode     = "execute_code"
	cmdCaptureArtifact = "get_viewport_screenshot"
	cmdPing            = "get_scene_info"
)

// Config holds gateway connection settings
type Config struct {
	Host           string
	Port           int
	CallTimeout    time.Duration
	SessionMaxIdle time.Duration
}

// Session is the live, owner-scoped connection context to the engine.
// The mutex serializes invocations: two jobs for the same owner never talk to
// the engine concurrently. Connected, LastUsed, and pending are guarded by
// the Gateway mutex, not the session mutex.
type Session struct {
	Key       string
	Connected bool
	LastUsed  time.Time

	// pending counts commands in flight or waiting on mu. A session with
	// pending > 0 must never be reaped, or a fresh session for the same
	// owner could run concurrently with the old one.
	pending int

	mu sync.Mutex
}

// InvocationResult is the structured engine response to an executed script.
type InvocationResult struct {
	Output string
	Raw    string
}

// ArtifactRef points at an artifact produced by the engine.
type ArtifactRef struct {
	SessionKey string
	Kind       string
	Ref        string
	CapturedAt time.Time
}

// commandRequest is the engine wire format: an opaque tool name plus params.
type commandRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

type commandResponse struct {
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
	Message  string          `json:"message"`
	Artifact string          `json:"artifact"`
}

// Gateway transports opaque scripts to the mesh engine and relays structured
// results. It does not interpret script content.
type Gateway struct {
	config Config
	logger *slog.Logger
	dial   func(ctx context.Context, addr string) (net.Conn, error)

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewGateway creates a Gateway for the configured engine endpoint.
func NewGateway(config Config, logger *slog.Logger) *Gateway {
	dialer := &net.Dialer{}
	return &Gateway{
		config: config,
		logger: logger,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
		sessions: make(map[string]*Session),
	}
}

// session returns the owner's session, creating it lazily on first use.
func (g *Gateway) session(sessionKey string) *Session {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, exists := g.sessions[sessionKey]
	if !exists {
		s = &Session{Key: sessionKey}
		g.sessions[sessionKey] = s
		g.logger.Info("Tool session created",
			slog.String("session_key", sessionKey),
		)
	}
	return s
}

// Invoke runs an opaque script in the engine under the owner's session.
func (g *Gateway) Invoke(ctx context.Context, sessionKey, script string) (*InvocationResult, error) {
	resp, err := g.sendCommand(ctx, sessionKey, cmdExecuteCode, map[string]any{
		"code": script,
	})
	if err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(resp)
	return &InvocationResult{
		Output: string(resp.Result),
		Raw:    string(raw),
	}, nil
}

// CaptureArtifact asks the engine for a viewport capture of the current scene.
func (g *Gateway) CaptureArtifact(ctx context.Context, sessionKey string) (*ArtifactRef, error) {
	resp, err := g.sendCommand(ctx, sessionKey, cmdCaptureArtifact, map[string]any{
		"max_size": 800,
	})
	if err != nil {
		return nil, err
	}

	if resp.Artifact == "" {
		return nil, fmt.Errorf("%w: engine returned no artifact reference", job.ErrExecution)
	}

	return &ArtifactRef{
		SessionKey: sessionKey,
		Kind:       "screenshot",
		Ref:        resp.Artifact,
		CapturedAt: time.Now().UTC(),
	}, nil
}

// Ping verifies the engine is reachable for the owner's session.
func (g *Gateway) Ping(ctx context.Context, sessionKey string) error {
	_, err := g.sendCommand(ctx, sessionKey, cmdPing, map[string]any{})
	return err
}

// sendCommand runs one command over a fresh connection, holding the session
// lock for the duration of the call.
func (g *Gateway) sendCommand(ctx context.Context, sessionKey, tool string, params map[string]any) (*commandResponse, error) {
	s := g.session(sessionKey)

	// Claim the session before queueing on its mutex so the reaper cannot
	// remove it out from under a waiting or running command.
	g.mu.Lock()
	s.pending++
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		s.pending--
		g.mu.Unlock()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	g.mu.Lock()
	s.LastUsed = time.Now().UTC()
	g.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", g.config.Host, g.config.Port)
	conn, err := g.dial(ctx, addr)
	if err != nil {
		g.mu.Lock()
		s.Connected = false
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot reach engine at %s: %v", job.ErrSessionUnavailable, addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(g.config.CallTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	payload, err := json.Marshal(commandRequest{Tool: tool, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to encode engine command: %w", err)
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, g.wireError("write", tool, err)
	}

	data, err := readFullResponse(conn)
	if err != nil {
		return nil, g.wireError("read", tool, err)
	}

	var resp commandResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed engine response: %v", job.ErrExecution, err)
	}

	if !resp.Success {
		detail := resp.Error
		if detail == "" {
			detail = resp.Message
		}
		if detail == "" {
			detail = "unknown engine error"
		}
		return nil, fmt.Errorf("%w: %s", job.ErrExecution, detail)
	}

	g.mu.Lock()
	s.Connected = true
	s.LastUsed = time.Now().UTC()
	g.mu.Unlock()

	g.logger.Debug("Engine command completed",
		slog.String("session_key", sessionKey),
		slog.String("tool", tool),
	)

	return &resp, nil
}

func (g *Gateway) wireError(op, tool string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: engine %s %s exceeded deadline", job.ErrTimeout, tool, op)
	}
	return fmt.Errorf("%w: engine %s failed during %s: %v", job.ErrSessionUnavailable, tool, op, err)
}

// readFullResponse accumulates chunks until they parse as complete JSON; the
// engine closes the connection after responding.
func readFullResponse(conn net.Conn) ([]byte, error) {
	var data []byte
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			var complete json.RawMessage
			if json.Unmarshal(data, &complete) == nil {
				return data, nil
			}
		}
		if err != nil {
			if len(data) > 0 && (errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)) {
				return data, nil
			}
			return nil, err
		}
	}
}

// Disconnect tears down the owner's session.
func (g *Gateway) Disconnect(sessionKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.sessions[sessionKey]; exists {
		delete(g.sessions, sessionKey)
		g.logger.Info("Tool session removed",
			slog.String("session_key", sessionKey),
		)
	}
}

// ReapIdle removes sessions that have been idle past the configured maximum
// and returns how many were removed.
func (g *Gateway) ReapIdle() int {
	if g.config.SessionMaxIdle <= 0 {
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().UTC().Add(-g.config.SessionMaxIdle)
	reaped := 0
	for key, s := range g.sessions {
		if s.pending > 0 {
			continue
		}
		if !s.LastUsed.IsZero() && s.LastUsed.Before(cutoff) {
			delete(g.sessions, key)
			reaped++
		}
	}

	if reaped > 0 {
		g.logger.Info("Idle tool sessions reaped",
			slog.Int("count", reaped),
		)
	}

	return reaped
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}
