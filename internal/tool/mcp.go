package tool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	mcpProtocolVersion = "2024-11-05"
	defaultMCPTimeout  = 60 * time.Second
	mcpCloseGrace      = 3 * time.Second
)

// MCPServerConfig describes one MCP server whose tools are offered to agents.
type MCPServerConfig struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"` // "stdio" or "http"
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       []string          `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	// TimeoutSeconds bounds every request to the server (default 60).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// Tools restricts registration to these remote tool names when set.
	Tools []string `json:"tools,omitempty"`
}

func (c MCPServerConfig) timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return defaultMCPTimeout
}

// MCPTransport carries JSON-RPC requests to a server. Framing and response
// correlation are the transport's job.
type MCPTransport interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Close() error
}

// --- JSON-RPC 2.0 ---

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (r *jsonRPCResponse) unwrap() (json.RawMessage, error) {
	if r.Error != nil {
		return nil, r.Error
	}
	return r.Result, nil
}

// --- MCP payloads ---

type mcpInitializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type mcpToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type mcpToolsListResult struct {
	Tools      []mcpToolDef `json:"tools"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

type mcpCallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

type mcpCallToolResult struct {
	Content []mcpContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

type mcpContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// --- stdio transport ---

// StdioTransport speaks newline-delimited JSON-RPC over a child process's
// stdin and stdout. A reader goroutine routes responses to callers by id,
// so concurrent calls from several tickets share one process.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *jsonRPCResponse
	err     error
	done    chan struct{}
}

// NewStdioTransport starts command and begins reading its output. The
// child's stderr is forwarded to the logger at debug level.
func NewStdioTransport(command string, args, env []string, logger *slog.Logger) (*StdioTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp stdio: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp stdio: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp stdio: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp stdio: start %q: %w", command, err)
	}

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		logger:  logger,
		pending: make(map[int64]chan *jsonRPCResponse),
		done:    make(chan struct{}),
	}
	go t.readLoop(stdout)
	go t.logStderr(stderr)
	return t, nil
}

func (t *StdioTransport) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp jsonRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Debug("mcp stdio: skipping non-JSON line", "line", truncate(string(line), 200, "..."))
			continue
		}
		if resp.ID == nil {
			// Server notification (progress, log message).
			t.logger.Debug("mcp stdio: notification", "method", resp.Method)
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		delete(t.pending, *resp.ID)
		t.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	t.mu.Lock()
	t.err = fmt.Errorf("mcp stdio: server output closed: %w", err)
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
	close(t.done)
}

func (t *StdioTransport) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		t.logger.Debug("mcp server stderr", "line", sc.Text())
	}
}

func (t *StdioTransport) write(req jsonRPCRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mcp stdio: marshal %s: %w", req.Method, err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mcp stdio: write: %w", err)
	}
	return nil
}

func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	ch := make(chan *jsonRPCResponse, 1)

	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return nil, err
	}
	t.pending[id] = ch
	t.mu.Unlock()

	forget := func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}

	if err := t.write(jsonRPCRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		forget()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			t.mu.Lock()
			err := t.err
			t.mu.Unlock()
			return nil, err
		}
		return resp.unwrap()
	case <-ctx.Done():
		forget()
		return nil, fmt.Errorf("mcp stdio: %s: %w", method, ctx.Err())
	}
}

func (t *StdioTransport) Notify(_ context.Context, method string, params any) error {
	return t.write(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// Close ends the session by closing stdin, then kills the process if its
// output has not closed within a short grace period.
func (t *StdioTransport) Close() error {
	t.stdin.Close()
	select {
	case <-t.done:
	case <-time.After(mcpCloseGrace):
		t.cmd.Process.Kill()
		<-t.done
	}
	return t.cmd.Wait()
}

// --- HTTP transport ---

// HTTPTransport POSTs each JSON-RPC message to a single endpoint.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	nextID  atomic.Int64
}

// NewHTTPTransport creates a transport for url. Headers (for example an
// Authorization token) are sent with every request.
func NewHTTPTransport(url string, headers map[string]string) *HTTPTransport {
	return &HTTPTransport{
		url:     url,
		headers: headers,
		client:  &http.Client{},
	}
}

func (t *HTTPTransport) post(ctx context.Context, req jsonRPCRequest) ([]byte, int, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("mcp http: marshal %s: %w", req.Method, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("mcp http: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("mcp http: %s: %w", req.Method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("mcp http: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	body, status, err := t.post(ctx, jsonRPCRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("mcp http: %s: status %d: %s", method, status, truncate(string(body), 500, "..."))
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("mcp http: %s: decode response: %w", method, err)
	}
	return resp.unwrap()
}

func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	body, status, err := t.post(ctx, jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("mcp http: %s: status %d: %s", method, status, truncate(string(body), 500, "..."))
	}
	return nil
}

func (t *HTTPTransport) Close() error { return nil }

// --- client ---

// MCPClient is an initialized session with one MCP server.
type MCPClient struct {
	name      string
	transport MCPTransport
	timeout   time.Duration
	server    string
	tools     []*MCPTool
}

// NewMCPClient performs the initialize handshake over transport and lists
// the server's tools.
func NewMCPClient(ctx context.Context, name string, transport MCPTransport, timeout time.Duration) (*MCPClient, error) {
	if timeout <= 0 {
		timeout = defaultMCPTimeout
	}
	c := &MCPClient{name: name, transport: transport, timeout: timeout}
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	if err := c.discoverTools(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *MCPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.transport.Call(ctx, method, params)
}

func (c *MCPClient) initialize(ctx context.Context) error {
	raw, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "agentdesk", "version": "0.1.0"},
	})
	if err != nil {
		return fmt.Errorf("mcp: initialize %q: %w", c.name, err)
	}
	var res mcpInitializeResult
	if err := json.Unmarshal(raw, &res); err == nil && res.ServerInfo.Name != "" {
		c.server = res.ServerInfo.Name + " " + res.ServerInfo.Version
	}

	notifyCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.transport.Notify(notifyCtx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("mcp: initialized %q: %w", c.name, err)
	}
	return nil
}

func (c *MCPClient) discoverTools(ctx context.Context) error {
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		raw, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return fmt.Errorf("mcp: tools/list %q: %w", c.name, err)
		}
		var page mcpToolsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return fmt.Errorf("mcp: parse tools list %q: %w", c.name, err)
		}
		for _, td := range page.Tools {
			schema := td.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			c.tools = append(c.tools, &MCPTool{
				server:      c.name,
				remote:      td.Name,
				description: td.Description,
				schema:      schema,
				client:      c,
			})
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a remote tool. A result flagged isError comes back as
// an error carrying the server's text.
func (c *MCPClient) CallTool(ctx context.Context, name string, arguments, meta map[string]any) (string, error) {
	raw, err := c.call(ctx, "tools/call", mcpCallToolParams{Name: name, Arguments: arguments, Meta: meta})
	if err != nil {
		return "", fmt.Errorf("mcp %s/%s: %w", c.name, name, err)
	}
	var res mcpCallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("mcp %s/%s: parse result: %w", c.name, name, err)
	}

	parts := make([]string, 0, len(res.Content))
	for _, item := range res.Content {
		switch item.Type {
		case "text":
			if item.Text != "" {
				parts = append(parts, item.Text)
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s content omitted%s]", item.Type, mimeSuffix(item.MimeType)))
		}
	}
	output := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("mcp %s/%s: %s", c.name, name, output)
	}
	return output, nil
}

func mimeSuffix(mime string) string {
	if mime == "" {
		return ""
	}
	return ": " + mime
}

// Name is the configured server name.
func (c *MCPClient) Name() string { return c.name }

// Tools returns the discovered tools.
func (c *MCPClient) Tools() []*MCPTool { return c.tools }

// Close ends the session.
func (c *MCPClient) Close() error { return c.transport.Close() }

// MCPTool exposes one remote tool under the name mcp_<server>_<tool>.
type MCPTool struct {
	server      string
	remote      string
	description string
	schema      map[string]any
	client      *MCPClient
}

func (t *MCPTool) Name() string               { return "mcp_" + t.server + "_" + t.remote }
func (t *MCPTool) Description() string        { return t.description }
func (t *MCPTool) Parameters() map[string]any { return t.schema }

// Execute forwards the call. The ticket and session ride along in _meta so
// the server can correlate calls made for one ticket.
func (t *MCPTool) Execute(ctx context.Context, exec Execution, params map[string]any) (string, error) {
	meta := map[string]any{"ticket_id": exec.TicketID, "session_id": exec.SessionID, "agent_id": exec.AgentID}
	return t.client.CallTool(ctx, t.remote, params, meta)
}

// RegisterMCPTools connects to every configured server and registers its
// tools. On failure the clients opened so far are closed.
func RegisterMCPTools(ctx context.Context, reg *Registry, servers []MCPServerConfig) ([]*MCPClient, error) {
	reg.mu.RLock()
	logger := reg.logger
	reg.mu.RUnlock()

	var clients []*MCPClient
	fail := func(err error) ([]*MCPClient, error) {
		for _, c := range clients {
			c.Close()
		}
		return nil, err
	}

	for _, srv := range servers {
		srvLogger := logger.With("mcp_server", srv.Name)

		var transport MCPTransport
		switch srv.Transport {
		case "stdio":
			st, err := NewStdioTransport(srv.Command, srv.Args, srv.Env, srvLogger)
			if err != nil {
				return fail(err)
			}
			transport = st
		case "http":
			transport = NewHTTPTransport(srv.URL, srv.Headers)
		default:
			return fail(fmt.Errorf("mcp: unknown transport %q for server %q", srv.Transport, srv.Name))
		}

		client, err := NewMCPClient(ctx, srv.Name, transport, srv.timeout())
		if err != nil {
			transport.Close()
			return fail(err)
		}

		registered := 0
		for _, t := range client.Tools() {
			if len(srv.Tools) > 0 && !slices.Contains(srv.Tools, t.remote) {
				continue
			}
			reg.Register(t)
			registered++
		}
		srvLogger.Info("mcp server connected", "server", client.server, "tools", registered)
		clients = append(clients, client)
	}
	return clients, nil
}
