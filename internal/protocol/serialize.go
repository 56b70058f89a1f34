package protocol

import "encoding/json"

type wireConnected struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Agent   string `json:"agent"`
}

type wireChunk struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	RequestID string `json:"requestId"`
	Thinking  bool   `json:"thinking,omitempty"`
}

type wireComplete struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

type wireError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// EncodeConnected serializes the handshake frame sent immediately on accept.
func EncodeConnected(c Connected) ([]byte, error) {
	return json.Marshal(wireConnected{Type: "connected", Version: c.Version, Agent: c.Agent})
}

// EncodeChunk serializes one streamed chunk. Thinking is omitted unless true.
func EncodeChunk(c Chunk) ([]byte, error) {
	return json.Marshal(wireChunk{
		Type:      "chunk",
		Content:   c.Content,
		RequestID: c.RequestID,
		Thinking:  c.Thinking,
	})
}

// EncodeComplete serializes the successful terminal frame for a request.
func EncodeComplete(c Complete) ([]byte, error) {
	return json.Marshal(wireComplete{Type: "complete", RequestID: c.RequestID})
}

// EncodeError serializes an error frame. RequestID is omitted when the
// error is connection-scoped rather than tied to a specific request.
func EncodeError(e ErrorFrame) ([]byte, error) {
	return json.Marshal(wireError{Type: "error", Message: e.Message, RequestID: e.RequestID})
}
