package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeConnected(t *testing.T) {
	b, err := EncodeConnected(Connected{Version: "2.0", Agent: "bridge-ws"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connected","version":"2.0","agent":"bridge-ws"}`, string(b))
}

func TestEncodeChunk_ThinkingOmittedWhenFalse(t *testing.T) {
	b, err := EncodeChunk(Chunk{Content: "hi", RequestID: "r1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chunk","content":"hi","requestId":"r1"}`, string(b))
}

func TestEncodeChunk_ThinkingIncludedWhenTrue(t *testing.T) {
	b, err := EncodeChunk(Chunk{Content: "hi", RequestID: "r1", Thinking: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chunk","content":"hi","requestId":"r1","thinking":true}`, string(b))
}

func TestEncodeComplete(t *testing.T) {
	b, err := EncodeComplete(Complete{RequestID: "r1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"complete","requestId":"r1"}`, string(b))
}

func TestEncodeError_WithRequestID(t *testing.T) {
	b, err := EncodeError(ErrorFrame{Message: "Request cancelled", RequestID: "r1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"Request cancelled","requestId":"r1"}`, string(b))
}

func TestEncodeError_ConnectionScoped(t *testing.T) {
	b, err := EncodeError(ErrorFrame{Message: "Invalid JSON"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"Invalid JSON"}`, string(b))
}
