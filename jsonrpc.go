package mcpwire

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion specifies the version of the JSON-RPC protocol implemented by this package.
const JSONRPCVersion = "2.0"

const (
	// protocolVersion is negotiated during the initialize handshake on the Stdio
	// and SSE transports.
	protocolVersion = "2024-11-05"
	// protocolVersionHTTP is negotiated on the HTTP and Streamable HTTP transports,
	// which follow the later revision of the protocol.
	protocolVersionHTTP = "2025-03-26"
)

const (
	methodInitialize = "initialize"
	methodPing       = "ping"
	methodToolsList  = "tools/list"
	methodToolsCall  = "tools/call"

	methodNotificationsInitialized          = "notifications/initialized"
	methodNotificationsToolsListChanged     = "notifications/tools/list_changed"
	methodNotificationsResourcesUpdated     = "notifications/resources/updated"
	methodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	methodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
)

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs. Requests issued by this
	// package carry monotonically increasing connection-scoped integers; the
	// pointer distinguishes a notification (nil) from an id of zero.
	ID *int64 `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`
	// Message provides a short description of the error.
	Message string `json:"message"`
	// Data contains additional unstructured information about the error.
	Data map[string]any `json:"data,omitempty"`
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}

// Info contains name and version information for a client or server implementation.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities advertises the capabilities of this client during the
// initialize handshake. The transport core advertises none.
type ClientCapabilities struct{}

// CapabilityFlags reports whether a server emits list_changed notifications for
// a capability group.
type CapabilityFlags struct {
	ListChanged bool `json:"listChanged,omitempty"`
	Subscribe   bool `json:"subscribe,omitempty"`
}

// ServerCapabilities describes the feature groups a server advertised in its
// initialize response.
type ServerCapabilities struct {
	Prompts   *CapabilityFlags `json:"prompts,omitempty"`
	Resources *CapabilityFlags `json:"resources,omitempty"`
	Tools     *CapabilityFlags `json:"tools,omitempty"`
	Logging   map[string]any   `json:"logging,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// newRequest builds a JSON-RPC request envelope with the given id, marshaling
// params into the message. A nil params produces a request without a params field.
func newRequest(id int64, method string, params any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	return msg, nil
}

// newNotification builds a JSON-RPC notification envelope, which carries no id
// and expects no response.
func newNotification(method string, params any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	return msg, nil
}

// parseResult extracts the result payload from a response message. A response
// carrying an error field always fails with a ServerError holding the
// server-supplied message verbatim; otherwise the result, possibly nil, is
// returned as-is.
func parseResult(msg JSONRPCMessage) (json.RawMessage, error) {
	if msg.Error != nil {
		return nil, &ServerError{Code: msg.Error.Code, Message: msg.Error.Message}
	}
	return msg.Result, nil
}
