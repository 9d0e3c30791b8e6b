package protocol

// Client actions on the push channel.
const (
	ActionSubscribe      = "subscribe"
	ActionUnsubscribe    = "unsubscribe"
	ActionUnsubscribeAll = "unsubscribe_all"
	ActionCapabilities   = "capabilities"
	ActionPing           = "ping"
)

// Server push message types (besides the ack/error responses).
const (
	MsgStockUpdateOptimized  = "stock_update_optimized"
	MsgStockUpdateCompressed = "stock_update_compressed"
	MsgBatchUpdate           = "batch_update"
	MsgBatchUpdateCompressed = "batch_update_compressed"
	MsgServerCapabilities    = "server_capabilities"
	MsgSystem                = "system"
	MsgPong                  = "pong"
)

type WSRequest struct {
	Action  string         `json:"action"`
	Payload RequestPayload `json:"payload"`
	ID      string         `json:"id,omitempty"`
}

type RequestPayload struct {
	Symbols      []string      `json:"symbols,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// Capabilities is the client's declared optimization support. Absent fields
// decode to the conservative zero values (no optimization).
type Capabilities struct {
	SupportsCompression  bool   `json:"supports_compression"`
	SupportsDelta        bool   `json:"supports_delta_updates"`
	SupportsBatch        bool   `json:"supports_batch_updates"`
	MaxMessageSize       int    `json:"max_message_size"`
	PreferredCompression string `json:"preferred_compression"`
}

// ServerCapabilities is the negotiation reply.
type ServerCapabilities struct {
	SupportsCompression bool     `json:"supports_compression"`
	SupportsDelta       bool     `json:"supports_delta_updates"`
	SupportsBatch       bool     `json:"supports_batch_updates"`
	CompressionMethods  []string `json:"compression_methods"`
	MaxBatchSize        int      `json:"max_batch_size"`
}

type WSResponse struct {
	Type    string      `json:"type"`             // "ack", "error", "server_capabilities", ...
	ID      string      `json:"id,omitempty"`     // Matches request ID
	Status  string      `json:"status,omitempty"` // "success", "error"
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PushMessage is the envelope for quote updates on the push channel.
// Compressed payloads travel base64-encoded in Data with the method tagged.
type PushMessage struct {
	Type              string      `json:"type"`
	Data              interface{} `json:"data"`
	Count             int         `json:"count,omitempty"`
	Timestamp         string      `json:"timestamp"`
	Compressed        bool        `json:"compressed"`
	CompressionMethod string      `json:"compression_method,omitempty"`
}
