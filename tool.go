package mcpwire

import (
	"context"
	"encoding/json"
)

// Tool is a named, schema-described capability exposed by a server. Tools are
// immutable once constructed from the server's tools/list response; the set
// for a connection is replaced wholesale on refresh.
type Tool struct {
	// Name is the tool's unique identifier on its server.
	Name string
	// Description is the human-readable description of what the tool does.
	Description string
	// Schema is the JSON Schema describing the tool's parameters.
	Schema json.RawMessage

	// conn routes calls back to the owning connection. Routing only; the tool
	// does not keep the connection alive.
	conn *conn
}

// Call invokes the tool on its owning connection.
func (t Tool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.conn.CallTool(ctx, t.Name, args)
}
