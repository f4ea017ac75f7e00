package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mattjoyce/canvas-bridge/internal/protocol"
	"github.com/mattjoyce/canvas-bridge/internal/proxy/mocks"
)

func newProxy(t *testing.T) (*Proxy, *mocks.MockForwarder) {
	t.Helper()
	ctrl := gomock.NewController(t)
	fwd := mocks.NewMockForwarder(ctrl)
	return New(fwd, protocol.ServerInfo{Name: "canvas-bridge-proxy", Version: "test"}, nil), fwd
}

func TestInitializeIsLocal(t *testing.T) {
	p, _ := newProxy(t)

	reply := gjson.ParseBytes(p.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":7,"method":"initialize","params":{}}`)))
	assert.Equal(t, int64(7), reply.Get("id").Int())
	assert.Equal(t, protocol.ProtocolVersion, reply.Get("result.protocolVersion").String())
	assert.Equal(t, "canvas-bridge-proxy", reply.Get("result.serverInfo.name").String())
}

func TestToolsAreForwarded(t *testing.T) {
	p, fwd := newProxy(t)
	line := []byte(`{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"get_pages"}}`)

	fwd.EXPECT().Forward(gomock.Any(), line).Return([]byte("{\n  \"jsonrpc\": \"2.0\",\n  \"id\": \"a\",\n  \"result\": {}\n}"), http.StatusOK, nil)

	reply := p.Handle(context.Background(), line)
	assert.Equal(t, `{"jsonrpc":"2.0","id":"a","result":{}}`, string(reply), "reply fits on one line")
}

func TestForwardFailure(t *testing.T) {
	p, fwd := newProxy(t)
	fwd.EXPECT().Forward(gomock.Any(), gomock.Any()).Return(nil, 0, errors.New("connection refused"))

	reply := gjson.ParseBytes(p.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)))
	assert.Equal(t, int64(3), reply.Get("id").Int())
	assert.Equal(t, int64(protocol.CodeInternalError), reply.Get("error.code").Int())
	assert.Equal(t, "connection refused", reply.Get("error.message").String())
}

func TestLocalErrors(t *testing.T) {
	p, _ := newProxy(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		line    string
		id      string
		code    int64
		message string
	}{
		{"bad json", `{"jsonrpc":`, "null", protocol.CodeParseError, "Parse error"},
		{"not an object", `[1,2]`, "null", protocol.CodeParseError, "Parse error"},
		{"unknown method", `{"jsonrpc":"2.0","id":9,"method":"resources/list"}`, "9", protocol.CodeMethodNotFound, "Method not found: resources/list"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := gjson.ParseBytes(p.Handle(ctx, []byte(tt.line)))
			assert.Equal(t, tt.id, reply.Get("id").Raw)
			assert.Equal(t, tt.code, reply.Get("error.code").Int())
			assert.Equal(t, tt.message, reply.Get("error.message").String())
		})
	}
}

func TestNotificationsGetNoReply(t *testing.T) {
	p, _ := newProxy(t)
	assert.Nil(t, p.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
}

func TestServeWritesOneLinePerRequest(t *testing.T) {
	p, fwd := newProxy(t)
	fwd.EXPECT().Forward(gomock.Any(), gomock.Any()).Return([]byte(`{"jsonrpc":"2.0","id":2,"result":{"tools":[]}}`), http.StatusOK, nil)

	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		``,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`garbage`,
	}, "\n")
	var out bytes.Buffer
	require.NoError(t, p.Serve(context.Background(), strings.NewReader(in), &out))

	var lines []string
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 3)
	assert.Equal(t, int64(1), gjson.Get(lines[0], "id").Int())
	assert.True(t, gjson.Get(lines[1], "result.tools").IsArray())
	assert.Equal(t, int64(protocol.CodeParseError), gjson.Get(lines[2], "error.code").Int())
}

func TestServeStopsOnCancel(t *testing.T) {
	p, _ := newProxy(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Serve(ctx, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n"), &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}
