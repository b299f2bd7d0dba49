package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/leonletto/tghistory/internal/types"
)

// DefaultAnswerTimeout bounds how long a single command may wait for its answer.
const DefaultAnswerTimeout = 20 * time.Second

// answerPrefix frames every reply telegram-cli writes in --json mode.
const answerPrefix = "ANSWER "

// Client talks to a telegram-cli process listening on a local TCP port.
// Commands are serialized: only one request is in flight at a time.
type Client struct {
	addr          string
	answerTimeout time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Option configures a Client.
type Option func(*Client)

// WithAnswerTimeout overrides DefaultAnswerTimeout.
func WithAnswerTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.answerTimeout = d
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the backend at addr (host:port).
// The connection is opened lazily on the first command and re-opened after
// a transport failure.
func NewClient(addr string, opts ...Option) *Client {
	c := &Client{
		addr:          addr,
		answerTimeout: DefaultAnswerTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the backend address.
func (c *Client) Addr() string {
	return c.addr
}

// Close closes the connection to the backend.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// ListDialogs returns up to maxCount dialogs.
func (c *Client) ListDialogs(ctx context.Context, maxCount int) ([]types.Dialog, error) {
	raw, err := c.Call(ctx, "dialog_list", strconv.Itoa(maxCount))
	if err != nil {
		return nil, err
	}

	var peers []struct {
		ID        types.ID `json:"id"`
		PeerType  string   `json:"peer_type"`
		PrintName string   `json:"print_name"`
	}
	if err := json.Unmarshal(raw, &peers); err != nil {
		return nil, fmt.Errorf("%w: dialog_list: %v", ErrIllegalResponse, err)
	}

	dialogs := make([]types.Dialog, 0, len(peers))
	for _, p := range peers {
		dialogs = append(dialogs, types.Dialog{
			ID:          p.ID,
			DisplayName: p.PrintName,
			Kind:        types.ParseDialogKind(p.PeerType),
		})
	}
	return dialogs, nil
}

// FetchHistoryPage requests limit messages of the dialog starting offset
// messages back from the newest one. The returned page is newest-first.
// An illegal response or an empty page is reported as EndOfHistory; any
// other failure, including a done context, is returned as an error.
func (c *Client) FetchHistoryPage(ctx context.Context, dialogID types.ID, limit, offset int) (types.PageResult, error) {
	raw, err := c.Call(ctx, "history", dialogID.String(), strconv.Itoa(limit), strconv.Itoa(offset))
	if err != nil {
		if errors.Is(err, ErrIllegalResponse) {
			c.logger.Debug("history page past end", "dialog", dialogID, "offset", offset, "error", err)
			return types.EndOfHistory(), nil
		}
		return types.PageResult{}, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		c.logger.Debug("history page not a list", "dialog", dialogID, "offset", offset, "error", err)
		return types.EndOfHistory(), nil
	}
	if len(items) == 0 {
		return types.EndOfHistory(), nil
	}

	msgs := make([]types.Message, len(items))
	for i, item := range items {
		if err := json.Unmarshal(item, &msgs[i]); err != nil {
			return types.PageResult{}, &TransportError{Op: "decode", Err: fmt.Errorf("history message %d at offset %d: %w", i, offset, err)}
		}
	}

	// telegram-cli prints a page oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return types.Page(msgs), nil
}

// WhoAmI returns the authenticated user.
func (c *Client) WhoAmI(ctx context.Context) (types.User, error) {
	raw, err := c.Call(ctx, "get_self")
	if err != nil {
		return types.User{}, err
	}

	var user types.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return types.User{}, fmt.Errorf("%w: get_self: %v", ErrIllegalResponse, err)
	}
	if user.ID == "" {
		return types.User{}, fmt.Errorf("%w: get_self returned no id", ErrIllegalResponse)
	}
	return user, nil
}

// DeleteMessage deletes a single message.
func (c *Client) DeleteMessage(ctx context.Context, id types.ID, scope types.DeleteScope) error {
	args := []string{id.String()}
	if scope == types.ScopeForEveryone {
		args = append(args, "1")
	}
	_, err := c.Call(ctx, "delete_msg", args...)
	return err
}

// Call sends one command and returns the JSON answer.
// FAIL answers are returned as *RPCError.
func (c *Client) Call(ctx context.Context, command string, args ...string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: err}
		}
		c.conn = conn
		c.reader = bufio.NewReader(conn)
	}

	deadline := time.Now().Add(c.answerTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		_ = c.closeLocked()
		return nil, &TransportError{Op: "set deadline", Err: err}
	}

	// Unblock reads and writes when the context is canceled.
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	line := command
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	c.logger.Debug("backend request", "command", line)

	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		_ = c.closeLocked()
		return nil, c.transportErr(ctx, "write", err)
	}

	answer, err := readAnswer(c.reader)
	if err != nil {
		_ = c.closeLocked()
		return nil, c.transportErr(ctx, "read", err)
	}

	if !json.Valid(answer) {
		_ = c.closeLocked()
		return nil, &TransportError{Op: "decode", Err: fmt.Errorf("malformed answer to %s", command)}
	}

	if rpcErr := failure(command, answer); rpcErr != nil {
		return nil, rpcErr
	}
	return answer, nil
}

// transportErr prefers the context error when the context caused the failure.
func (c *Client) transportErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &TransportError{Op: op, Err: ctxErr}
	}
	return &TransportError{Op: op, Err: err}
}

// readAnswer reads one "ANSWER <n>\n<n bytes>" frame.
// Lines before the frame header are skipped.
func readAnswer(r *bufio.Reader) (json.RawMessage, error) {
	for {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		header = strings.TrimSpace(header)
		if !strings.HasPrefix(header, answerPrefix) {
			continue
		}

		n, err := strconv.Atoi(strings.TrimPrefix(header, answerPrefix))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid answer header %q", header)
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		return json.RawMessage(bytes.TrimSpace(body)), nil
	}
}

// failure decodes a {"result":"FAIL"} answer.
func failure(command string, answer json.RawMessage) *RPCError {
	if len(answer) == 0 || answer[0] != '{' {
		return nil
	}
	var status struct {
		Result    string `json:"result"`
		ErrorCode int    `json:"error_code"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(answer, &status); err != nil {
		return nil
	}
	if status.Result != "FAIL" {
		return nil
	}
	return &RPCError{Command: command, Code: status.ErrorCode, Message: status.Error}
}
