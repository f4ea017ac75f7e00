package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Node types used by the simulator.
const (
	TypeDocument  = "DOCUMENT"
	TypePage      = "PAGE"
	TypeFrame     = "FRAME"
	TypeRectangle = "RECTANGLE"
	TypeEllipse   = "ELLIPSE"
	TypeText      = "TEXT"
)

var (
	ErrNodeNotFound = errors.New("Node not found")
	ErrPageNotFound = errors.New("Page not found")
)

// Node is one element of the simulated document tree.
type Node struct {
	ID         string
	Name       string
	Type       string
	X, Y       float64
	Width      float64
	Height     float64
	Visible    bool
	Locked     bool
	Opacity    float64
	Characters string
	FontSize   float64
	Fills      json.RawMessage
	Strokes    json.RawMessage
	Children   []*Node

	parent *Node
}

func (n *Node) container() bool {
	switch n.Type {
	case TypeDocument, TypePage, TypeFrame:
		return true
	}
	return false
}

type nodeSummary struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type nodeTree struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	X        float64     `json:"x"`
	Y        float64     `json:"y"`
	Width    float64     `json:"width"`
	Height   float64     `json:"height"`
	Visible  bool        `json:"visible"`
	Locked   bool        `json:"locked"`
	Children []*nodeTree `json:"children"`
}

func summarize(n *Node) nodeSummary {
	return nodeSummary{ID: n.ID, Name: n.Name, Type: n.Type, X: n.X, Y: n.Y, Width: n.Width, Height: n.Height}
}

func tree(n *Node) *nodeTree {
	t := &nodeTree{
		ID: n.ID, Name: n.Name, Type: n.Type,
		X: n.X, Y: n.Y, Width: n.Width, Height: n.Height,
		Visible: n.Visible, Locked: n.Locked,
		Children: make([]*nodeTree, 0, len(n.Children)),
	}
	for _, c := range n.Children {
		t.Children = append(t.Children, tree(c))
	}
	return t
}

type operation func(args gjson.Result) (any, error)

// Canvas is an in-memory document that answers the canvas operations.
// It is safe for concurrent use.
type Canvas struct {
	mu      sync.Mutex
	root    *Node
	current *Node
	nodes   map[string]*Node
	seq     int
	ops     map[string]operation
}

// NewCanvas creates a document with one empty page.
func NewCanvas(name string) *Canvas {
	c := &Canvas{nodes: make(map[string]*Node)}
	c.root = &Node{ID: "0:0", Name: name, Type: TypeDocument, Visible: true, Opacity: 1}
	c.nodes[c.root.ID] = c.root
	c.current = c.newNode(c.root, TypePage, "Page 1")

	c.ops = map[string]operation{
		"get_document_info":   c.getDocumentInfo,
		"get_pages":           c.getPages,
		"create_page":         c.createPage,
		"delete_page":         c.deletePage,
		"get_nodes":           c.getNodes,
		"create_frame":        c.createShape(TypeFrame, "Frame"),
		"create_rectangle":    c.createShape(TypeRectangle, "Rectangle"),
		"create_ellipse":      c.createShape(TypeEllipse, "Ellipse"),
		"create_text":         c.createText,
		"modify_node":         c.modifyNode,
		"delete_node":         c.deleteNode,
		"move_node":           c.moveNode,
		"resize_node":         c.resizeNode,
		"set_node_properties": c.setNodeProperties,
		"get_node_properties": c.getNodeProperties,
		"duplicate_node":      c.duplicateNode,
		"search_nodes":        c.searchNodes,
	}
	return c
}

// Operations lists the operation names the canvas implements.
func (c *Canvas) Operations() []string {
	out := make([]string, 0, len(c.ops))
	for name := range c.ops {
		out = append(out, name)
	}
	return out
}

// Handle runs one operation against the document.
func (c *Canvas) Handle(_ context.Context, op string, args json.RawMessage) (json.RawMessage, error) {
	fn, ok := c.ops[op]
	if !ok {
		return nil, fmt.Errorf("Unknown tool: %s", op)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !gjson.ValidBytes(args) {
		return nil, errors.New("arguments are not valid JSON")
	}

	c.mu.Lock()
	result, err := fn(gjson.ParseBytes(args))
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (c *Canvas) newNode(parent *Node, typ, name string) *Node {
	c.seq++
	n := &Node{
		ID:      fmt.Sprintf("%d:%d", c.seq/1000+1, c.seq%1000),
		Name:    name,
		Type:    typ,
		Visible: true,
		Opacity: 1,
	}
	c.attach(parent, n)
	c.nodes[n.ID] = n
	return n
}

func (c *Canvas) attach(parent, n *Node) {
	n.parent = parent
	parent.Children = append(parent.Children, n)
}

func (c *Canvas) detach(n *Node) {
	p := n.parent
	if p == nil {
		return
	}
	for i, child := range p.Children {
		if child == n {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			break
		}
	}
	n.parent = nil
}

func (c *Canvas) forget(n *Node) {
	delete(c.nodes, n.ID)
	for _, child := range n.Children {
		c.forget(child)
	}
}

func (c *Canvas) lookup(args gjson.Result, key string) (*Node, error) {
	id := args.Get(key).String()
	n, ok := c.nodes[id]
	if !ok || n.Type == TypeDocument {
		return nil, ErrNodeNotFound
	}
	return n, nil
}

// parentFor resolves parentId, falling back to the current page.
func (c *Canvas) parentFor(args gjson.Result) *Node {
	if id := args.Get("parentId").String(); id != "" {
		if p, ok := c.nodes[id]; ok && p.container() && p.Type != TypeDocument {
			return p
		}
	}
	return c.current
}

func num(args gjson.Result, key string, fallback float64) float64 {
	if v := args.Get(key); v.Exists() && v.Type == gjson.Number {
		return v.Float()
	}
	return fallback
}

func str(args gjson.Result, key, fallback string) string {
	if v := args.Get(key); v.Exists() && v.String() != "" {
		return v.String()
	}
	return fallback
}

func solidFill(color gjson.Result) json.RawMessage {
	b, _ := json.Marshal([]map[string]any{{"type": "SOLID", "color": json.RawMessage(color.Raw)}})
	return b
}

func (c *Canvas) getDocumentInfo(gjson.Result) (any, error) {
	return map[string]any{
		"name":     c.root.Name,
		"id":       c.root.ID,
		"type":     c.root.Type,
		"children": len(c.root.Children),
	}, nil
}

func (c *Canvas) getPages(gjson.Result) (any, error) {
	pages := make([]map[string]any, 0, len(c.root.Children))
	for _, p := range c.root.Children {
		pages = append(pages, map[string]any{
			"id":       p.ID,
			"name":     p.Name,
			"type":     p.Type,
			"children": len(p.Children),
		})
	}
	return pages, nil
}

func (c *Canvas) createPage(args gjson.Result) (any, error) {
	p := c.newNode(c.root, TypePage, str(args, "name", fmt.Sprintf("Page %d", len(c.root.Children)+1)))
	return map[string]any{"id": p.ID, "name": p.Name, "type": p.Type}, nil
}

func (c *Canvas) deletePage(args gjson.Result) (any, error) {
	id := args.Get("pageId").String()
	p, ok := c.nodes[id]
	if !ok || p.Type != TypePage {
		return nil, ErrPageNotFound
	}
	if len(c.root.Children) == 1 {
		return nil, errors.New("cannot delete the only page")
	}
	c.detach(p)
	c.forget(p)
	if c.current == p {
		c.current = c.root.Children[0]
	}
	return map[string]any{"success": true, "pageId": id}, nil
}

func (c *Canvas) getNodes(args gjson.Result) (any, error) {
	parent := c.current
	id := args.Get("nodeId").String()
	if id == "" {
		id = args.Get("parentId").String()
	}
	if id != "" {
		n, ok := c.nodes[id]
		if !ok {
			return nil, fmt.Errorf("Failed to get nodes: %w", ErrNodeNotFound)
		}
		parent = n
	}
	out := tree(parent)
	return map[string]any{
		"id":       out.ID,
		"name":     out.Name,
		"type":     out.Type,
		"children": out.Children,
	}, nil
}

func (c *Canvas) createShape(typ, defaultName string) operation {
	return func(args gjson.Result) (any, error) {
		n := c.newNode(c.parentFor(args), typ, str(args, "name", defaultName))
		n.X = num(args, "x", 0)
		n.Y = num(args, "y", 0)
		n.Width = num(args, "width", 100)
		n.Height = num(args, "height", 100)
		if fill := args.Get("fill"); fill.Exists() && typ != TypeFrame {
			n.Fills = solidFill(fill)
		}
		return summarize(n), nil
	}
}

func (c *Canvas) createText(args gjson.Result) (any, error) {
	n := c.newNode(c.parentFor(args), TypeText, str(args, "name", "Text"))
	n.Characters = str(args, "text", "Text")
	n.X = num(args, "x", 0)
	n.Y = num(args, "y", 0)
	n.FontSize = num(args, "fontSize", 12)
	// Rough metrics: the host measures real glyphs.
	n.Width = float64(len(n.Characters)) * n.FontSize * 0.6
	n.Height = n.FontSize * 1.2
	if fill := args.Get("fill"); fill.Exists() {
		n.Fills = solidFill(fill)
	}
	return struct {
		nodeSummary
		Characters string `json:"characters"`
	}{summarize(n), n.Characters}, nil
}

func (c *Canvas) modifyNode(args gjson.Result) (any, error) {
	n, err := c.lookup(args, "nodeId")
	if err != nil {
		return nil, err
	}
	if v := args.Get("name"); v.Exists() {
		n.Name = v.String()
	}
	if v := args.Get("visible"); v.Exists() {
		n.Visible = v.Bool()
	}
	if v := args.Get("locked"); v.Exists() {
		n.Locked = v.Bool()
	}
	n.X = num(args, "x", n.X)
	n.Y = num(args, "y", n.Y)
	n.Width = num(args, "width", n.Width)
	n.Height = num(args, "height", n.Height)
	return summarize(n), nil
}

func (c *Canvas) deleteNode(args gjson.Result) (any, error) {
	n, err := c.lookup(args, "nodeId")
	if err != nil {
		return nil, err
	}
	if n.Type == TypePage {
		return c.deletePage(gjson.Parse(fmt.Sprintf(`{"pageId":%q}`, n.ID)))
	}
	c.detach(n)
	c.forget(n)
	return map[string]any{"success": true, "nodeId": n.ID}, nil
}

func (c *Canvas) moveNode(args gjson.Result) (any, error) {
	n, err := c.lookup(args, "nodeId")
	if err != nil {
		return nil, err
	}
	n.X = num(args, "x", n.X)
	n.Y = num(args, "y", n.Y)
	return map[string]any{"id": n.ID, "x": n.X, "y": n.Y}, nil
}

func (c *Canvas) resizeNode(args gjson.Result) (any, error) {
	n, err := c.lookup(args, "nodeId")
	if err != nil {
		return nil, err
	}
	w, h := num(args, "width", n.Width), num(args, "height", n.Height)
	if w < 0 || h < 0 {
		return nil, errors.New("width and height must not be negative")
	}
	n.Width, n.Height = w, h
	return map[string]any{"id": n.ID, "width": n.Width, "height": n.Height}, nil
}

func (c *Canvas) setNodeProperties(args gjson.Result) (any, error) {
	n, err := c.lookup(args, "nodeId")
	if err != nil {
		return nil, err
	}
	props := args.Get("properties")
	if v := props.Get("characters"); v.Exists() && n.Type == TypeText {
		n.Characters = v.String()
	}
	if v := props.Get("fills"); v.IsArray() {
		n.Fills = json.RawMessage(v.Raw)
	}
	if v := props.Get("strokes"); v.IsArray() {
		n.Strokes = json.RawMessage(v.Raw)
	}
	if v := props.Get("opacity"); v.Type == gjson.Number {
		n.Opacity = v.Float()
	}
	return map[string]any{"success": true, "nodeId": n.ID}, nil
}

func (c *Canvas) getNodeProperties(args gjson.Result) (any, error) {
	n, err := c.lookup(args, "nodeId")
	if err != nil {
		return nil, err
	}
	props := map[string]any{
		"id":      n.ID,
		"name":    n.Name,
		"type":    n.Type,
		"visible": n.Visible,
		"locked":  n.Locked,
		"x":       n.X,
		"y":       n.Y,
		"width":   n.Width,
		"height":  n.Height,
		"opacity": n.Opacity,
	}
	if n.Type != TypePage {
		props["fills"] = rawOrEmpty(n.Fills)
		props["strokes"] = rawOrEmpty(n.Strokes)
	}
	if n.Type == TypeText {
		props["characters"] = n.Characters
		props["fontSize"] = n.FontSize
	}
	return props, nil
}

func rawOrEmpty(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("[]")
	}
	return v
}

func (c *Canvas) duplicateNode(args gjson.Result) (any, error) {
	n, err := c.lookup(args, "nodeId")
	if err != nil {
		return nil, err
	}
	if n.Type == TypePage {
		return nil, errors.New("pages cannot be duplicated")
	}
	dup := c.clone(n, n.parent)
	if args.Get("x").Exists() || args.Get("y").Exists() {
		dup.X = num(args, "x", dup.X+10)
		dup.Y = num(args, "y", dup.Y+10)
	}
	return summarize(dup), nil
}

func (c *Canvas) clone(n, parent *Node) *Node {
	dup := c.newNode(parent, n.Type, n.Name)
	id := dup.ID
	*dup = *n
	dup.ID = id
	dup.parent = parent
	dup.Children = nil
	for _, child := range n.Children {
		c.clone(child, dup)
	}
	return dup
}

func (c *Canvas) searchNodes(args gjson.Result) (any, error) {
	query := strings.ToLower(args.Get("query").String())
	if query == "" {
		return nil, errors.New("query is required")
	}
	results := make([]nodeSummary, 0)
	var walk func(n *Node)
	walk = func(n *Node) {
		if strings.Contains(strings.ToLower(n.Name), query) {
			results = append(results, summarize(n))
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	for _, page := range c.root.Children {
		walk(page)
	}
	return results, nil
}
