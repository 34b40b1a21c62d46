// Package sdk provides the default ACP runtime backend: an external agent
// process speaking line-delimited JSON over stdin/stdout, spawned and
// supervised the way the MCP stdio transport spawns its servers.
package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/acp/runtime"
	"github.com/openclaw/openclaw/internal/config"
)

const backendID = "acp-go-sdk"

// Register installs the subprocess backend into the runtime registry. It
// needs the loaded config, so it is called explicitly at gateway startup
// (cmd/gateway_acp.go); this package has no init().
func Register(cfg *config.Config) {
	runtime.RegisterAcpRuntimeBackend(backendID, NewBackend(cfg))
}

// wireMessage is the line-delimited JSON envelope exchanged with the agent
// process. Exactly one of Result/Error/Event is populated on a response
// line; Method/Params are populated on a request line sent to the process.
type wireMessage struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
	Event  *wireEvent      `json:"event,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireEvent struct {
	Type        string   `json:"type"` // "text_delta" | "tool_result" | "error" | "done"
	Text        string   `json:"text,omitempty"`
	IsReasoning bool     `json:"isReasoning,omitempty"`
	ToolName    string   `json:"toolName,omitempty"`
	MediaURLs   []string `json:"mediaUrls,omitempty"`
	IsError     bool     `json:"isError,omitempty"`
	Code        string   `json:"code,omitempty"`
	StopReason  string   `json:"stopReason,omitempty"`
}

type ensureParams struct {
	SessionKey string `json:"sessionKey"`
	Agent      string `json:"agent"`
	Mode       string `json:"mode"`
	Cwd        string `json:"cwd"`
}

type turnParams struct {
	Text      string `json:"text"`
	Mode      string `json:"mode"`
	RequestID string `json:"requestId"`
}

type controlParams struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// process is one spawned agent and its framing state.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex // guards writes to stdin
	pendMu sync.Mutex
	pend   map[string]chan wireMessage
	events chan runtime.AcpRuntimeEvent
	done   chan struct{}
}

// Backend spawns one agent process per ACP session and speaks
// line-delimited JSON with it over stdin/stdout.
type Backend struct {
	cfg *config.Config

	mu        sync.RWMutex
	processes map[string]*process // keyed by handle.SessionKey
}

// NewBackend constructs a subprocess backend reading its spawn command from
// cfg.ACP.AgentPath/AgentArgs/AgentEnv.
func NewBackend(cfg *config.Config) *Backend {
	return &Backend{cfg: cfg, processes: make(map[string]*process)}
}

func (b *Backend) EnsureSession(ctx context.Context, input runtime.AcpRuntimeEnsureInput) (runtime.AcpRuntimeHandle, error) {
	b.mu.RLock()
	existing, ok := b.processes[input.SessionKey]
	b.mu.RUnlock()
	if ok {
		return runtime.AcpRuntimeHandle{
			Backend:            backendID,
			SessionKey:         input.SessionKey,
			Agent:              input.Agent,
			Mode:               input.Mode,
			Cwd:                input.Cwd,
			RuntimeSessionName: existing.cmd.Path,
		}, nil
	}

	if b.cfg.ACP.AgentPath == "" {
		return runtime.AcpRuntimeHandle{}, runtime.NewSessionInitError("acp.agent_path is not configured", nil)
	}

	cmd := exec.CommandContext(context.Background(), b.cfg.ACP.AgentPath, b.cfg.ACP.AgentArgs...)
	if input.Cwd != "" {
		cmd.Dir = input.Cwd
	}
	cmd.Env = append(cmd.Env, b.cfg.ACP.AgentEnv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return runtime.AcpRuntimeHandle{}, runtime.NewSessionInitError("failed to open agent stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return runtime.AcpRuntimeHandle{}, runtime.NewSessionInitError("failed to open agent stdout", err)
	}
	cmd.Stderr = &slogWriter{sessionKey: input.SessionKey}

	if err := cmd.Start(); err != nil {
		return runtime.AcpRuntimeHandle{}, runtime.NewSessionInitError("failed to start agent process", err)
	}

	proc := &process{
		cmd:    cmd,
		stdin:  stdin,
		pend:   make(map[string]chan wireMessage),
		events: make(chan runtime.AcpRuntimeEvent, 16),
		done:   make(chan struct{}),
	}
	go proc.readLoop(stdout)

	if err := proc.send(wireMessage{
		ID:     uuid.New().String(),
		Method: "session.ensure",
		Params: mustMarshal(ensureParams{SessionKey: input.SessionKey, Agent: input.Agent, Mode: string(input.Mode), Cwd: input.Cwd}),
	}); err != nil {
		_ = cmd.Process.Kill()
		return runtime.AcpRuntimeHandle{}, runtime.NewSessionInitError("failed to send session.ensure", err)
	}

	b.mu.Lock()
	b.processes[input.SessionKey] = proc
	b.mu.Unlock()

	return runtime.AcpRuntimeHandle{
		Backend:            backendID,
		SessionKey:         input.SessionKey,
		Agent:              input.Agent,
		Mode:               input.Mode,
		Cwd:                input.Cwd,
		RuntimeSessionName: cmd.Path,
	}, nil
}

func (b *Backend) getProcess(sessionKey string) (*process, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	proc, ok := b.processes[sessionKey]
	if !ok {
		return nil, runtime.NewBackendUnavailableError(fmt.Sprintf("no running agent process for session %q", sessionKey), nil)
	}
	return proc, nil
}

func (b *Backend) RunTurn(ctx context.Context, input runtime.AcpRuntimeTurnInput) (<-chan runtime.AcpRuntimeEvent, error) {
	proc, err := b.getProcess(input.Handle.SessionKey)
	if err != nil {
		return nil, err
	}

	if err := proc.send(wireMessage{
		ID:     uuid.New().String(),
		Method: "turn.run",
		Params: mustMarshal(turnParams{Text: input.Text, Mode: string(input.Mode), RequestID: input.RequestID}),
	}); err != nil {
		return nil, runtime.NewTurnError("failed to send turn.run", err)
	}

	out := make(chan runtime.AcpRuntimeEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-proc.events:
				if !ok {
					return
				}
				out <- ev
				if _, isDone := ev.(*runtime.AcpEventDone); isDone {
					return
				}
				if _, isErr := ev.(*runtime.AcpEventError); isErr {
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Backend) Cancel(ctx context.Context, handle runtime.AcpRuntimeHandle, reason string) error {
	proc, err := b.getProcess(handle.SessionKey)
	if err != nil {
		return nil
	}
	return proc.send(wireMessage{ID: uuid.New().String(), Method: "turn.cancel", Params: mustMarshal(map[string]string{"reason": reason})})
}

func (b *Backend) Close(ctx context.Context, handle runtime.AcpRuntimeHandle, reason string) error {
	b.mu.Lock()
	proc, ok := b.processes[handle.SessionKey]
	if ok {
		delete(b.processes, handle.SessionKey)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	_ = proc.send(wireMessage{ID: uuid.New().String(), Method: "session.close", Params: mustMarshal(map[string]string{"reason": reason})})

	doneCh := make(chan error, 1)
	go func() { doneCh <- proc.cmd.Wait() }()

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		_ = proc.cmd.Process.Kill()
	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
	}
	return nil
}

func (b *Backend) GetCapabilities(ctx context.Context, handle *runtime.AcpRuntimeHandle) (runtime.AcpRuntimeCapabilities, error) {
	return runtime.AcpRuntimeCapabilities{
		Controls: []string{runtime.AcpControlSessionSetMode, runtime.AcpControlSessionSetConfigOption},
	}, nil
}

func (b *Backend) GetStatus(ctx context.Context, handle runtime.AcpRuntimeHandle) (*runtime.AcpRuntimeStatus, error) {
	proc, err := b.getProcess(handle.SessionKey)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	reply, err := proc.request(ctx, wireMessage{ID: id, Method: "session.status"})
	if err != nil {
		return nil, err
	}
	var status runtime.AcpRuntimeStatus
	if reply.Result != nil {
		_ = json.Unmarshal(reply.Result, &status)
	}
	return &status, nil
}

func (b *Backend) SetMode(ctx context.Context, handle runtime.AcpRuntimeHandle, mode string) error {
	proc, err := b.getProcess(handle.SessionKey)
	if err != nil {
		return err
	}
	_, err = proc.request(ctx, wireMessage{ID: uuid.New().String(), Method: runtime.AcpControlSessionSetMode, Params: mustMarshal(controlParams{Mode: mode})})
	return err
}

func (b *Backend) SetConfigOption(ctx context.Context, handle runtime.AcpRuntimeHandle, key, value string) error {
	proc, err := b.getProcess(handle.SessionKey)
	if err != nil {
		return err
	}
	_, err = proc.request(ctx, wireMessage{ID: uuid.New().String(), Method: runtime.AcpControlSessionSetConfigOption, Params: mustMarshal(controlParams{Key: key, Value: value})})
	return err
}

func (p *process) send(msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

// request sends msg and blocks for the matching reply by id, used for the
// control calls that need a direct answer rather than an event stream.
func (p *process) request(ctx context.Context, msg wireMessage) (wireMessage, error) {
	reply := make(chan wireMessage, 1)
	p.pendMu.Lock()
	p.pend[msg.ID] = reply
	p.pendMu.Unlock()
	defer func() {
		p.pendMu.Lock()
		delete(p.pend, msg.ID)
		p.pendMu.Unlock()
	}()

	if err := p.send(msg); err != nil {
		return wireMessage{}, err
	}

	select {
	case r := <-reply:
		if r.Error != nil {
			return wireMessage{}, fmt.Errorf("%s: %s", r.Error.Code, r.Error.Message)
		}
		return r, nil
	case <-ctx.Done():
		return wireMessage{}, ctx.Err()
	case <-time.After(30 * time.Second):
		return wireMessage{}, fmt.Errorf("timed out waiting for reply to %q", msg.Method)
	}
}

// readLoop demultiplexes stdout: lines with an id matching a pending
// request are delivered there, everything else is treated as a streamed
// turn event.
func (p *process) readLoop(stdout io.Reader) {
	defer close(p.done)
	defer close(p.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg wireMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			slog.Warn("acp.sdk: malformed message from agent process", "error", err)
			continue
		}

		if msg.ID != "" {
			p.pendMu.Lock()
			reply, ok := p.pend[msg.ID]
			p.pendMu.Unlock()
			if ok {
				reply <- msg
				continue
			}
		}

		if msg.Event != nil {
			p.events <- decodeEvent(msg.Event)
		}
	}
}

func decodeEvent(ev *wireEvent) runtime.AcpRuntimeEvent {
	switch ev.Type {
	case "text_delta":
		return &runtime.AcpEventTextDelta{Text: ev.Text, IsReasoning: ev.IsReasoning}
	case "tool_result":
		return &runtime.AcpEventToolResult{ToolName: ev.ToolName, Text: ev.Text, MediaURLs: ev.MediaURLs, IsError: ev.IsError, IsReasoning: ev.IsReasoning}
	case "error":
		return &runtime.AcpEventError{Code: ev.Code, Message: ev.Text}
	case "done":
		return &runtime.AcpEventDone{StopReason: ev.StopReason}
	default:
		return &runtime.AcpEventError{Code: "ACP_TURN_FAILED", Message: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// slogWriter forwards an agent process's stderr into structured logs line
// by line instead of letting it interleave with our own stdout.
type slogWriter struct {
	sessionKey string
}

func (w *slogWriter) Write(p []byte) (int, error) {
	slog.Info("acp.sdk: agent stderr", "session_key", w.sessionKey, "line", string(p))
	return len(p), nil
}
