package protocol

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// asGeneric round-trips a response through JSON so golden files see the wire shape.
func asGeneric(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestHandshakeGolden(t *testing.T) {
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
	resp := NewResult(json.RawMessage("1"), Handshake(ServerInfo{Name: "canvas-bridge", Version: "test"}))
	g.AssertJson(t, "handshake", asGeneric(t, resp))
}

func TestToolsListGolden(t *testing.T) {
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
	resp := NewResult(json.RawMessage(`"list-1"`), ListToolsResult{Tools: NewCatalog(nil).Tools()})
	g.AssertJson(t, "tools_list", asGeneric(t, resp))
}

func TestCatalog(t *testing.T) {
	c := NewCatalog(nil)
	assert.Len(t, c.Names(), 17)
	assert.True(t, c.Has("get_pages"))
	assert.True(t, c.Has("search_nodes"))
	assert.False(t, c.Has("format_disk"))
	assert.False(t, c.Has(""))

	custom := NewCatalog([]string{"b", "a", "", "b"})
	assert.Equal(t, []string{"b", "a"}, custom.Names())
	assert.False(t, custom.Has("get_pages"))

	names := custom.Names()
	names[0] = "mutated"
	assert.True(t, custom.Has("b"))
	assert.Equal(t, "b", custom.Names()[0])
}
