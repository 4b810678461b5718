package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	logx "distmon/pkg/logx"
)

// fakeBackend answers JSON-RPC requests on a Unix socket.
type fakeBackend struct {
	t      *testing.T
	ln     net.Listener
	handle func(req Request) Response
}

func startFakeBackend(t *testing.T, handle func(req Request) Response) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "backend.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fb := &fakeBackend{t: t, ln: ln, handle: handle}
	go fb.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return sock
}

func (f *fakeBackend) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			sc := bufio.NewScanner(conn)
			enc := json.NewEncoder(conn)
			for sc.Scan() {
				var req Request
				if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
					return
				}
				resp := f.handle(req)
				resp.JSONRPC = "2.0"
				resp.ID = req.ID
				if err := enc.Encode(resp); err != nil {
					return
				}
			}
		}(conn)
	}
}

func okResult(v any) Response {
	raw, _ := json.Marshal(v)
	return Response{Result: raw}
}

func TestInvokeRoundTrip(t *testing.T) {
	t.Parallel()
	sock := startFakeBackend(t, func(req Request) Response {
		if req.Method != "system.ping" {
			return Response{Error: &WireError{Code: codeMethodNotFound, Message: "method not found"}}
		}
		return okResult(map[string]bool{"ok": true})
	})

	c := NewClient(ClientConfig{Socket: sock}, logx.Nop())
	defer c.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.Invoke(context.Background(), "system.ping", nil, &out); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.OK {
		t.Fatal("expected ok=true")
	}
}

func TestInvokeBackendErrorKinds(t *testing.T) {
	t.Parallel()
	sock := startFakeBackend(t, func(req Request) Response {
		switch req.Method {
		case "slow.op":
			return Response{Error: &WireError{Code: codeTimeout, Message: "operation timed out"}}
		case "missing.op":
			return Response{Error: &WireError{Code: codeNotFound, Message: "no such distribution"}}
		default:
			return Response{Error: &WireError{Code: codeCommandFailed, Message: "exit status 1"}}
		}
	})

	c := NewClient(ClientConfig{Socket: sock}, logx.Nop())
	defer c.Close()

	err := c.Invoke(context.Background(), "slow.op", nil, nil)
	if Classify(err) != KindTimeout {
		t.Fatalf("slow.op: kind = %v, want timeout (err=%v)", Classify(err), err)
	}
	err = c.Invoke(context.Background(), "missing.op", nil, nil)
	if Classify(err) != KindNotFound {
		t.Fatalf("missing.op: kind = %v, want not_found (err=%v)", Classify(err), err)
	}
	err = c.Invoke(context.Background(), "mount.attach", map[string]string{"Distro": "x"}, nil)
	if Classify(err) != KindCommandFailed {
		t.Fatalf("mount.attach: kind = %v, want command_failed (err=%v)", Classify(err), err)
	}
}

func TestInvokeClientDeadline(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	sock := startFakeBackend(t, func(req Request) Response {
		<-block // never answers in time
		return okResult(nil)
	})

	c := NewClient(ClientConfig{Socket: sock, CallTimeout: 80 * time.Millisecond}, logx.Nop())
	defer c.Close()

	err := c.Invoke(context.Background(), "stats.get", nil, nil)
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if Classify(err) != KindTimeout {
		t.Fatalf("kind = %v, want timeout (err=%v)", Classify(err), err)
	}
}

func TestInvokeReconnectsAfterTimeout(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	release := make(chan struct{})
	sock := startFakeBackend(t, func(req Request) Response {
		if calls.Add(1) == 1 {
			<-release
		}
		return okResult(map[string]bool{"ok": true})
	})

	c := NewClient(ClientConfig{Socket: sock, CallTimeout: 60 * time.Millisecond}, logx.Nop())
	defer c.Close()

	if err := c.Invoke(context.Background(), "system.ping", nil, nil); Classify(err) != KindTimeout {
		t.Fatalf("first call should time out, got %v", err)
	}
	close(release)

	// The timed-out connection was dropped; the next call re-dials cleanly
	// instead of reading the stale late response.
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.Invoke(context.Background(), "system.ping", nil, &out); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !out.OK {
		t.Fatal("expected ok=true on fresh connection")
	}
}

func TestInvokeCancelledContext(t *testing.T) {
	t.Parallel()
	sock := startFakeBackend(t, func(req Request) Response { return okResult(nil) })
	c := NewClient(ClientConfig{Socket: sock}, logx.Nop())
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Invoke(ctx, "distro.list", nil, nil)
	if Classify(err) != KindCancelled {
		t.Fatalf("kind = %v, want cancelled", Classify(err))
	}
}
