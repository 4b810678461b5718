package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	logx "distmon/pkg/logx"
)

const (
	// scannerInitBufSize is the initial buffer size for the response scanner (64 KB).
	scannerInitBufSize = 64 * 1024
	// scannerMaxTokenSize is the maximum response size the scanner will accept (8 MB).
	scannerMaxTokenSize = 8 * 1024 * 1024
)

// Invoker is the minimal invocation surface consumed by domain stores.
// The production implementation is *Client; tests substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, op string, params any, result any) error
}

type ClientConfig struct {
	Socket      string
	DialTimeout time.Duration // default 3s
	CallTimeout time.Duration // default 15s
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	return c
}

// Client is the invocation bridge to the virtualization backend.
//
// Calls are serialized over one connection; the backend answers in order.
// A broken connection is dropped and lazily re-dialed on the next call, so a
// backend restart does not require restarting this daemon.
type Client struct {
	cfg ClientConfig
	log logx.Logger

	mu      sync.Mutex
	conn    net.Conn
	scanner *bufio.Scanner
	encoder *json.Encoder
	nextID  int
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "bridge"))}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLocked()
}

func (c *Client) dropLocked() error {
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
		c.scanner = nil
		c.encoder = nil
	}
	return err
}

func (c *Client) dialLocked() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.cfg.Socket, c.cfg.DialTimeout)
	if err != nil {
		return &Error{Kind: classifyDialKind(err), Message: fmt.Sprintf("dial backend: %v", err)}
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	c.conn = conn
	c.scanner = sc
	c.encoder = json.NewEncoder(conn)
	c.log.Debug("backend connected", logx.String("socket", c.cfg.Socket))
	return nil
}

func classifyDialKind(err error) Kind {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

// Invoke performs one named operation and unmarshals the result into result
// (which may be nil for operations returning null).
//
// The effective deadline is the earlier of ctx's deadline and the configured
// per-call timeout. All failures come back as *Error with a Kind.
func (c *Client) Invoke(ctx context.Context, op string, params any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindCancelled, Op: op, Message: err.Error()}
	}
	if err := c.dialLocked(); err != nil {
		if be, ok := err.(*Error); ok {
			be.Op = op
		}
		return err
	}

	c.nextID++
	req := Request{JSONRPC: "2.0", ID: c.nextID, Method: op}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return &Error{Kind: KindUnknown, Op: op, Message: fmt.Sprintf("marshal params: %v", err)}
		}
		req.Params = raw
	}

	deadline := time.Now().Add(c.cfg.CallTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	defer func() {
		if c.conn != nil {
			_ = c.conn.SetDeadline(time.Time{})
		}
	}()

	if err := c.encoder.Encode(req); err != nil {
		_ = c.dropLocked()
		return netError(op, "send", err)
	}

	if !c.scanner.Scan() {
		err := c.scanner.Err()
		_ = c.dropLocked()
		if err != nil {
			return netError(op, "read", err)
		}
		return &Error{Kind: KindUnknown, Op: op, Message: "backend closed connection"}
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		_ = c.dropLocked()
		return &Error{Kind: KindUnknown, Op: op, Message: fmt.Sprintf("unmarshal response: %v", err)}
	}

	if resp.Error != nil {
		return &Error{Kind: kindFromCode(resp.Error.Code), Op: op, Message: resp.Error.Message}
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return &Error{Kind: KindUnknown, Op: op, Message: fmt.Sprintf("unmarshal result: %v", err)}
		}
	}
	return nil
}

func netError(op, stage string, err error) *Error {
	kind := KindUnknown
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf("%s: %v", stage, err)}
}
