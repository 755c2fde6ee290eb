package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ErrExited is returned by calls made to, or waiting on, a signal-cli
// process that has stopped.
var ErrExited = errors.New("signal-cli exited")

// closeTimeout is how long Close waits for signal-cli to exit on its
// own after stdin is closed.
const closeTimeout = 5 * time.Second

// maxLine bounds a single JSON-RPC line from signal-cli.
const maxLine = 1 << 20

type rpcResponse struct {
	Result json.RawMessage
	Err    error
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcFrame is any line signal-cli writes. Responses carry an ID;
// notifications carry a method instead.
type rpcFrame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// Client speaks JSON-RPC to one signal-cli process over its stdin and
// stdout. Calls may be issued concurrently; each waits for the response
// carrying its ID.
type Client struct {
	command string
	args    []string
	logger  *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	nextID  atomic.Int64
	mu      sync.Mutex // guards pending and stdin writes
	pending map[int64]chan rpcResponse

	done    chan struct{} // closed when the read loop ends
	exited  chan struct{} // closed when cmd.Wait returns
	exitErr error

	closeOnce sync.Once
	closeErr  error
}

// NewClient returns a client for command. Start launches the process.
func NewClient(command string, args []string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		command: command,
		args:    args,
		logger:  logger,
		pending: make(map[int64]chan rpcResponse),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// Start launches signal-cli. It must be called once, before any call.
// ctx only bounds the launch; the process lives until Close.
func (c *Client) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := exec.Command(c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("signal-cli stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("signal-cli stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("signal-cli stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.reader = bufio.NewReaderSize(stdout, maxLine)

	go c.logStderr(stderr)
	go c.readLoop()
	go func() {
		c.exitErr = cmd.Wait()
		close(c.exited)
		if c.exitErr != nil {
			c.logger.Warn("signal-cli exited", "pid", cmd.Process.Pid, "error", c.exitErr)
		} else {
			c.logger.Info("signal-cli exited", "pid", cmd.Process.Pid)
		}
	}()

	c.logger.Info("signal-cli started", "pid", cmd.Process.Pid, "command", c.command, "args", c.args)
	return nil
}

// Done is closed once signal-cli stops producing output.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ListAccounts returns the number of every account in signal-cli's
// data directory.
func (c *Client) ListAccounts(ctx context.Context) ([]string, error) {
	accounts, err := invoke[[]accountResult](ctx, c, "listAccounts", nil)
	if err != nil {
		return nil, err
	}
	numbers := make([]string, 0, len(accounts))
	for _, a := range accounts {
		numbers = append(numbers, a.Number)
	}
	return numbers, nil
}

// StartLink begins linking signal-cli as a secondary device. The
// returned sgnl:// URI is what the primary phone scans.
func (c *Client) StartLink(ctx context.Context) (string, error) {
	res, err := invoke[startLinkResult](ctx, c, "startLink", nil)
	if err != nil {
		return "", err
	}
	if res.DeviceLinkURI == "" {
		return "", errors.New("signal startLink: empty device link URI")
	}
	return res.DeviceLinkURI, nil
}

// FinishLink blocks until uri has been scanned and returns the linked
// account's number.
func (c *Client) FinishLink(ctx context.Context, uri, deviceName string) (string, error) {
	res, err := invoke[finishLinkResult](ctx, c, "finishLink", map[string]any{
		"deviceLinkUri": uri,
		"deviceName":    deviceName,
	})
	return res.Number, err
}

// Send delivers message to recipient from account and returns the
// message timestamp. An empty account lets signal-cli pick.
func (c *Client) Send(ctx context.Context, account, recipient, message string) (int64, error) {
	params := map[string]any{
		"recipient": []string{recipient},
		"message":   message,
	}
	if account != "" {
		params["account"] = account
	}
	res, err := invoke[sendResult](ctx, c, "send", params)
	return res.Timestamp, err
}

// Version returns the signal-cli version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	res, err := invoke[versionResult](ctx, c, "version", nil)
	return res.Version, err
}

// Ping checks that signal-cli still answers requests.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "version", nil)
	return err
}

// Close closes stdin, which asks signal-cli to exit, and kills it if it
// has not exited within closeTimeout. Close is safe to call more than
// once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.stdin != nil {
			c.stdin.Close()
		}
		if c.cmd == nil || c.cmd.Process == nil {
			return
		}
		select {
		case <-c.exited:
			c.closeErr = c.exitErr
		case <-time.After(closeTimeout):
			c.logger.Warn("signal-cli ignored stdin close, killing", "pid", c.cmd.Process.Pid)
			_ = c.cmd.Process.Kill()
			<-c.exited
		}
	})
	return c.closeErr
}

// invoke calls method and decodes its result into T.
func invoke[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var out T
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return out, fmt.Errorf("signal %s: %w", method, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", method, err)
	}
	return out, nil
}

// call writes one request and waits for its response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch
	_, err = c.stdin.Write(append(data, '\n'))
	if err != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp.Result, resp.Err
	case <-c.done:
		return nil, ErrExited
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// readLoop routes each line from signal-cli until its stdout closes,
// then fails every call still waiting.
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Error("signal-cli read failed", "error", err)
			}
			c.failPending()
			return
		}
		c.dispatch(line)
	}
}

func (c *Client) dispatch(line []byte) {
	var f rpcFrame
	if err := json.Unmarshal(line, &f); err != nil {
		c.logger.Debug("signal-cli non-JSON output", "line", string(line))
		return
	}

	if f.ID == nil {
		c.notify(f)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*f.ID]
	delete(c.pending, *f.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("signal-cli response for unknown request", "id", *f.ID)
		return
	}

	resp := rpcResponse{Result: f.Result}
	if f.Error != nil {
		resp.Err = f.Error
	}
	ch <- resp
}

// notify handles a notification. The relay only sends, so inbound
// messages are logged and dropped.
func (c *Client) notify(f rpcFrame) {
	if f.Method != "receive" {
		c.logger.Debug("signal-cli notification", "method", f.Method)
		return
	}
	var n receiveNotification
	if err := json.Unmarshal(f.Params, &n); err != nil || n.Envelope.DataMessage == nil {
		return
	}
	c.logger.Debug("ignoring inbound signal message",
		"account", n.Account,
		"sender", n.Envelope.Source,
	)
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcResponse{Err: ErrExited}
		delete(c.pending, id)
	}
}

// logStderr forwards signal-cli's stderr to the debug log.
func (c *Client) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		c.logger.Debug("signal-cli stderr", "line", sc.Text())
	}
}
