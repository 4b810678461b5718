package bridge

import "encoding/json"

// The virtualization backend exposes named operations over a Unix domain
// socket, JSON-RPC 2.0 framed as newline-delimited JSON.
//
//	Operation        Params                                        Result
//	─────────────    ──────────────────────────────────────────    ─────────────────
//	system.ping      (none)                                        {"ok": true}
//	distro.list      (none)                                        []Distro
//	distro.start     {Name: string}                                null
//	distro.stop      {Name: string}                                null
//	stats.get        (none)                                        []ResourceStats
//	health.get       (none)                                        HealthReport
//	mount.list       (none)                                        []Mount
//	mount.attach     {Distro, Source, Target string, ReadOnly}     null
//	mount.detach     {Distro, Target string}                       null
//
// Error codes follow JSON-RPC 2.0 for protocol failures; the backend reports
// operation failures in the -32000 range with a stable kind mapping (see
// errors.go). Per-call timeouts are enforced by the backend and surfaced as
// codeTimeout; the client additionally applies its own deadline.

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is the JSON-RPC 2.0 error object as sent by the backend.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string { return e.Message }

const (
	codeParse          = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	// Backend operation failure codes (implementation-defined range).
	codeCommandFailed = -32000
	codeTimeout       = -32001
	codeNotFound      = -32002
	codeCancelled     = -32003
)
