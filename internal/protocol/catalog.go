package protocol

import (
	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultOperations is the static list of canvas operations the executor implements.
var DefaultOperations = []string{
	"get_document_info",
	"get_pages",
	"create_page",
	"delete_page",
	"get_nodes",
	"create_frame",
	"create_rectangle",
	"create_ellipse",
	"create_text",
	"modify_node",
	"delete_node",
	"move_node",
	"resize_node",
	"set_node_properties",
	"get_node_properties",
	"duplicate_node",
	"search_nodes",
}

// Tool is one catalog entry as returned by tools/list.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
}

// Catalog is the fixed set of dispatchable operation names.
// It is immutable after construction and safe for concurrent use.
type Catalog struct {
	names []string
	index map[string]struct{}
}

// NewCatalog builds a catalog from names, dropping blanks and duplicates.
// An empty list yields the default operations.
func NewCatalog(names []string) *Catalog {
	if len(names) == 0 {
		names = DefaultOperations
	}
	c := &Catalog{index: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, dup := c.index[n]; dup {
			continue
		}
		c.index[n] = struct{}{}
		c.names = append(c.names, n)
	}
	return c
}

// Has reports whether name is a dispatchable operation.
func (c *Catalog) Has(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Names returns the operation names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Tools returns the catalog as tools/list entries with generic input schemas.
func (c *Catalog) Tools() []Tool {
	tools := make([]Tool, 0, len(c.names))
	for _, n := range c.names {
		tools = append(tools, Tool{
			Name:        n,
			Description: "Figma API operation: " + n,
			InputSchema: openObjectSchema(),
		})
	}
	return tools
}

// openObjectSchema accepts any object. Arguments are opaque to the bridge.
func openObjectSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           orderedmap.New[string, *jsonschema.Schema](),
		AdditionalProperties: jsonschema.TrueSchema,
	}
}

// Handshake returns the fixed initialize descriptor.
func Handshake(info ServerInfo) InitializeResult {
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      info,
	}
}
