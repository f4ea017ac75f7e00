package executor

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mattjoyce/canvas-bridge/internal/protocol"
)

func call(t *testing.T, c *Canvas, op, args string) gjson.Result {
	t.Helper()
	out, err := c.Handle(context.Background(), op, json.RawMessage(args))
	require.NoError(t, err, "%s %s", op, args)
	return gjson.ParseBytes(out)
}

func TestCanvasImplementsCatalog(t *testing.T) {
	c := NewCanvas("Test")
	assert.ElementsMatch(t, protocol.DefaultOperations, c.Operations())
}

func TestCanvasDocumentAndPages(t *testing.T) {
	c := NewCanvas("Design System")

	info := call(t, c, "get_document_info", `{}`)
	assert.Equal(t, "Design System", info.Get("name").String())
	assert.Equal(t, "DOCUMENT", info.Get("type").String())
	assert.Equal(t, int64(1), info.Get("children").Int())

	page := call(t, c, "create_page", `{"name":"Components"}`)
	assert.Equal(t, "PAGE", page.Get("type").String())

	pages := call(t, c, "get_pages", `{}`)
	require.Len(t, pages.Array(), 2)
	assert.Equal(t, "Page 1", pages.Get("0.name").String())
	assert.Equal(t, "Components", pages.Get("1.name").String())

	del := call(t, c, "delete_page", `{"pageId":"`+page.Get("id").String()+`"}`)
	assert.True(t, del.Get("success").Bool())
	assert.Len(t, call(t, c, "get_pages", `{}`).Array(), 1)

	_, err := c.Handle(context.Background(), "delete_page", json.RawMessage(`{"pageId":"nope"}`))
	assert.ErrorIs(t, err, ErrPageNotFound)

	only := pages.Get("0.id").String()
	_, err = c.Handle(context.Background(), "delete_page", json.RawMessage(`{"pageId":"`+only+`"}`))
	assert.Error(t, err, "the last page stays")
}

func TestCanvasShapesAndNodes(t *testing.T) {
	c := NewCanvas("Doc")

	frame := call(t, c, "create_frame", `{"name":"Card","x":10,"y":20,"width":300,"height":200}`)
	assert.Equal(t, "FRAME", frame.Get("type").String())
	assert.Equal(t, 300.0, frame.Get("width").Float())
	frameID := frame.Get("id").String()

	rect := call(t, c, "create_rectangle", `{"parentId":"`+frameID+`","fill":{"r":1,"g":0,"b":0}}`)
	assert.Equal(t, "Rectangle", rect.Get("name").String())
	assert.Equal(t, 100.0, rect.Get("height").Float(), "default size")
	rectID := rect.Get("id").String()

	call(t, c, "create_ellipse", `{"name":"Avatar"}`)
	text := call(t, c, "create_text", `{"text":"Hello","fontSize":16,"parentId":"`+frameID+`"}`)
	assert.Equal(t, "Hello", text.Get("characters").String())

	nodes := call(t, c, "get_nodes", `{}`)
	assert.Equal(t, "PAGE", nodes.Get("type").String())
	require.Len(t, nodes.Get("children").Array(), 2)
	assert.Len(t, nodes.Get("children.0.children").Array(), 2)

	sub := call(t, c, "get_nodes", `{"nodeId":"`+frameID+`"}`)
	assert.Equal(t, "Card", sub.Get("name").String())

	props := call(t, c, "get_node_properties", `{"nodeId":"`+rectID+`"}`)
	assert.Equal(t, "SOLID", props.Get("fills.0.type").String())
	assert.Equal(t, 1.0, props.Get("fills.0.color.r").Float())
	assert.True(t, props.Get("visible").Bool())

	_, err := c.Handle(context.Background(), "get_nodes", json.RawMessage(`{"nodeId":"9:9"}`))
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestCanvasMutations(t *testing.T) {
	c := NewCanvas("Doc")
	id := call(t, c, "create_rectangle", `{"name":"Box"}`).Get("id").String()

	mod := call(t, c, "modify_node", `{"nodeId":"`+id+`","name":"Renamed","x":5,"visible":false}`)
	assert.Equal(t, "Renamed", mod.Get("name").String())
	assert.Equal(t, 5.0, mod.Get("x").Float())

	mv := call(t, c, "move_node", `{"nodeId":"`+id+`","x":40,"y":50}`)
	assert.Equal(t, 50.0, mv.Get("y").Float())

	rs := call(t, c, "resize_node", `{"nodeId":"`+id+`","width":12,"height":34}`)
	assert.Equal(t, 34.0, rs.Get("height").Float())

	set := call(t, c, "set_node_properties", `{"nodeId":"`+id+`","properties":{"opacity":0.5,"strokes":[{"type":"SOLID"}]}}`)
	assert.True(t, set.Get("success").Bool())
	props := call(t, c, "get_node_properties", `{"nodeId":"`+id+`"}`)
	assert.Equal(t, 0.5, props.Get("opacity").Float())
	assert.False(t, props.Get("visible").Bool())
	assert.Len(t, props.Get("strokes").Array(), 1)

	dup := call(t, c, "duplicate_node", `{"nodeId":"`+id+`","x":100}`)
	assert.NotEqual(t, id, dup.Get("id").String())
	assert.Equal(t, 100.0, dup.Get("x").Float())
	assert.Equal(t, 60.0, dup.Get("y").Float(), "unset axis offsets by 10")

	found := call(t, c, "search_nodes", `{"query":"renamed"}`)
	assert.Len(t, found.Array(), 2)

	del := call(t, c, "delete_node", `{"nodeId":"`+id+`"}`)
	assert.True(t, del.Get("success").Bool())
	_, err := c.Handle(context.Background(), "move_node", json.RawMessage(`{"nodeId":"`+id+`","x":1,"y":1}`))
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.Len(t, call(t, c, "search_nodes", `{"query":"renamed"}`).Array(), 1)
}

func TestCanvasRejectsBadInput(t *testing.T) {
	c := NewCanvas("Doc")

	_, err := c.Handle(context.Background(), "explode", nil)
	assert.EqualError(t, err, "Unknown tool: explode")

	_, err = c.Handle(context.Background(), "create_frame", json.RawMessage(`{"name":`))
	assert.Error(t, err)

	_, err = c.Handle(context.Background(), "search_nodes", json.RawMessage(`{}`))
	assert.Error(t, err)
}
