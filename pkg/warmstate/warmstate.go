// Package warmstate implements the worker<->supervisor warm-restart
// protocol of spec.md §4.9: a versioned Snapshot of everything needed to
// resume a session across a worker restart, and a newline-delimited JSON
// Conn carrying the handshake over a persistent connection — generalizing
// the teacher's pkg/mcp/rpc unix-socket server (stale-socket cleanup,
// net.Listen("unix", ...), timeout handling) from one-shot HTTP
// request/response to a long-lived duplex message stream, since spec.md's
// protocol is a standing handshake rather than a single call/response.
package warmstate

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/jingkaihe/kodelet-memcore/pkg/conversations"
	"github.com/jingkaihe/kodelet-memcore/pkg/logger"
	"github.com/jingkaihe/kodelet-memcore/pkg/runtime"
	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
	"github.com/pkg/errors"
)

// SnapshotVersion is bumped whenever Snapshot's shape changes in a way
// that breaks backward compatibility. A supervisor holding a snapshot with
// a mismatched version discards it and cold-starts the worker.
const SnapshotVersion = 1

// SensoryState is the warm-capturable subset of a sensory.Decorator: its
// channel dimensions and current slot bindings (not channel Source
// closures, which cannot cross a process boundary and are re-registered
// by the worker on cold start).
type SensoryState struct {
	Slots    [3]string                 `json:"slots"`
	Channels map[string]SensoryChannel `json:"channels"`
}

// SensoryChannel is one channel's warm-capturable configuration.
type SensoryChannel struct {
	MaxTokens int  `json:"maxTokens"`
	Width     int  `json:"width"`
	Height    int  `json:"height"`
	Enabled   bool `json:"enabled"`
}

// Snapshot is the full warm-restart payload (spec.md §4.9): messages, page
// state, sensory state, runtime knobs, spend, violation/awareness
// counters, last-send target, and MCP server configs.
type Snapshot struct {
	Version        int                        `json:"version"`
	Timestamp      int64                      `json:"timestamp"`
	SessionID      string                     `json:"sessionId"`
	MemoryType     string                     `json:"memoryType"`
	Messages       []vm.Message               `json:"messages"`
	PageState      vm.PageState               `json:"pageState"`
	SensoryState   SensoryState               `json:"sensoryState"`
	Runtime        runtime.Snapshot           `json:"runtime"`
	Spend          runtime.Usage              `json:"spend"`
	Violations     map[string]int             `json:"violations"`
	Familiarity    map[string]float64         `json:"familiarity"`
	DejaVu         []string                   `json:"dejaVu"`
	LastSendTarget string                     `json:"lastSendTarget"`
	MCPConfigs     map[string]json.RawMessage `json:"mcpConfigs,omitempty"`
}

// ToRecord adapts a Snapshot into a conversations.Record, so a restored
// worker can persist its session through the same store path a cold
// session uses, rather than a separate warm-restart-only persistence
// format.
func (s Snapshot) ToRecord() conversations.Record {
	r := conversations.New(s.SessionID)
	r.Messages = s.Messages
	r.PageState = s.PageState
	r.Usage = s.Spend
	return r
}

// MessageType identifies an envelope's payload shape.
type MessageType string

const (
	// Worker -> supervisor
	TypeReady         MessageType = "ready"
	TypeStateSnapshot MessageType = "state_snapshot"
	TypeReloadRequest MessageType = "reload_request"
	// Supervisor -> worker
	TypeWarmState MessageType = "warm_state"
	TypeShutdown  MessageType = "shutdown"
)

// Envelope is the wire frame: one JSON object per line.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn wraps a net.Conn (typically a unix socket) in newline-delimited
// JSON framing, safe for one concurrent reader and one concurrent writer.
type Conn struct {
	conn   net.Conn
	reader *bufio.Scanner
	wmu    sync.Mutex
}

// NewConn wraps an already-established connection.
func NewConn(conn net.Conn) *Conn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Conn{conn: conn, reader: scanner}
}

// Dial connects to a unix socket at path and wraps it.
func Dial(path string) (*Conn, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "warmstate: dial failed")
	}
	return NewConn(conn), nil
}

// Send marshals payload and writes one Envelope line.
func (c *Conn) Send(typ MessageType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "warmstate: marshal payload")
	}
	env := Envelope{Type: typ, Payload: data}
	line, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "warmstate: marshal envelope")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "warmstate: write failed")
	}
	return nil
}

// Receive blocks for the next Envelope line, returning an error once the
// peer closes the connection or the read fails.
func (c *Conn) Receive() (Envelope, error) {
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return Envelope{}, errors.Wrap(err, "warmstate: read failed")
		}
		return Envelope{}, errors.New("warmstate: connection closed")
	}
	var env Envelope
	if err := json.Unmarshal(c.reader.Bytes(), &env); err != nil {
		return Envelope{}, errors.Wrap(err, "warmstate: unmarshal envelope")
	}
	return env, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// DecodeSnapshot unmarshals an Envelope's payload as a Snapshot, used by
// both sides when handling TypeStateSnapshot/TypeReloadRequest/TypeWarmState.
func DecodeSnapshot(env Envelope) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(env.Payload, &s); err != nil {
		return Snapshot{}, errors.Wrap(err, "warmstate: decode snapshot payload")
	}
	return s, nil
}

// Listen creates a unix socket listener at path, removing any stale
// socket file left by a previous run first (grounded on the teacher's
// NewMCPRPCServer stale-socket cleanup).
func Listen(ctx context.Context, path string) (net.Listener, error) {
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "warmstate: failed to remove stale socket")
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "warmstate: listen failed")
	}
	logger.G(ctx).WithField("socket", path).Info("warmstate: listening for worker connections")
	return l, nil
}
