// Package proxy exposes a bridge to stdio-based assistants.
//
// Each input line is one JSON-RPC request and each reply is written as one
// output line. The handshake is answered locally; tool listing and tool calls
// are forwarded to the bridge over HTTP.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/mattjoyce/canvas-bridge/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_forwarder.go -package=mocks github.com/mattjoyce/canvas-bridge/internal/proxy Forwarder

// Forwarder relays a raw JSON-RPC request to the bridge ingress.
type Forwarder interface {
	Forward(ctx context.Context, body []byte) ([]byte, int, error)
}

// maxLine bounds a single request line.
const maxLine = 16 << 20

// Proxy serves newline-delimited JSON-RPC.
type Proxy struct {
	fwd    Forwarder
	info   protocol.ServerInfo
	logger *slog.Logger
}

// New creates a Proxy. info is reported by the local initialize reply.
func New(fwd Forwarder, info protocol.ServerInfo, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{fwd: fwd, info: info, logger: logger.With("component", "proxy")}
}

// Serve answers requests from in until it reaches EOF or ctx is cancelled.
// Requests are handled in order, one at a time.
func (p *Proxy) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	w := bufio.NewWriter(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		reply := p.Handle(ctx, line)
		if reply == nil {
			continue
		}
		if _, err := w.Write(append(reply, '\n')); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

// Handle answers one request line. It returns nil for notifications,
// which get no reply.
func (p *Proxy) Handle(ctx context.Context, line []byte) []byte {
	env, err := protocol.Decode(line)
	if err != nil {
		return p.encode(protocol.NewError(nil, protocol.CodeParseError, "Parse error"))
	}
	if len(env.ID) == 0 {
		p.logger.Debug("notification ignored", "method", env.Method)
		return nil
	}

	switch env.Method {
	case protocol.MethodInitialize:
		return p.encode(protocol.NewResult(env.ID, protocol.Handshake(p.info)))

	case protocol.MethodToolsList, protocol.MethodToolsCall:
		data, _, err := p.fwd.Forward(ctx, line)
		if err != nil {
			p.logger.Warn("forward failed", "method", env.Method, "error", err)
			return p.encode(protocol.NewError(env.ID, protocol.CodeInternalError, err.Error()))
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return p.encode(protocol.NewError(env.ID, protocol.CodeInternalError, "invalid reply from bridge"))
		}
		return buf.Bytes()

	default:
		return p.encode(protocol.NewError(env.ID, protocol.CodeMethodNotFound, "Method not found: "+env.Method))
	}
}

func (p *Proxy) encode(resp *protocol.Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		// Responses are built from plain values; this cannot fail in practice.
		p.logger.Error("encode reply", "error", err)
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return b
}
