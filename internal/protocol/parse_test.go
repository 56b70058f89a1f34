package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, "Invalid JSON", err.Error())
}

func TestParse_NonObject(t *testing.T) {
	_, err := Parse([]byte(`[1,2,3]`))
	require.Error(t, err)
	assert.Equal(t, "Message must be a JSON object", err.Error())

	_, err = Parse([]byte(`"hello"`))
	require.Error(t, err)
	assert.Equal(t, "Message must be a JSON object", err.Error())
}

func TestParse_Null(t *testing.T) {
	_, err := Parse([]byte(`null`))
	require.Error(t, err)
	assert.Equal(t, "Message must be a JSON object", err.Error())
}

func TestParse_MissingType(t *testing.T) {
	_, err := Parse([]byte(`{"prompt":"hi"}`))
	require.Error(t, err)
	assert.Equal(t, "Missing or invalid 'type' field", err.Error())

	_, err = Parse([]byte(`{"type":5}`))
	require.Error(t, err)
	assert.Equal(t, "Missing or invalid 'type' field", err.Error())
}

func TestParse_UnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"unicorn"}`))
	require.Error(t, err)
	assert.Equal(t, "Unknown message type: unicorn", err.Error())
}

func TestParse_UnknownType_Truncated(t *testing.T) {
	long := strings.Repeat("x", 100)
	_, err := Parse([]byte(`{"type":"` + long + `"}`))
	require.Error(t, err)
	assert.Equal(t, "Unknown message type: "+strings.Repeat("x", 50), err.Error())
}

func TestParse_Prompt_Minimal(t *testing.T) {
	v, err := Parse([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1"}`))
	require.NoError(t, err)
	p, ok := v.(*Prompt)
	require.True(t, ok)
	assert.Equal(t, "hi", p.Prompt)
	assert.Equal(t, "r1", p.RequestID)
	assert.Equal(t, ProviderAgentCLI, p.Provider)
}

func TestParse_Prompt_EmptyPrompt(t *testing.T) {
	_, err := Parse([]byte(`{"type":"prompt","prompt":"","requestId":"r1"}`))
	require.Error(t, err)
	assert.Equal(t, "Prompt must not be empty", err.Error())
}

func TestParse_Prompt_TooLong(t *testing.T) {
	big := strings.Repeat("a", 512*1024+1)
	_, err := Parse([]byte(`{"type":"prompt","prompt":"` + big + `","requestId":"r1"}`))
	require.Error(t, err)
	assert.Equal(t, "Prompt exceeds maximum size of 512KiB", err.Error())
}

func TestParse_Prompt_ExactSizeAccepted(t *testing.T) {
	exact := strings.Repeat("a", 512*1024)
	v, err := Parse([]byte(`{"type":"prompt","prompt":"` + exact + `","requestId":"r1"}`))
	require.NoError(t, err)
	assert.Len(t, v.(*Prompt).Prompt, 512*1024)
}

func TestParse_Prompt_MissingRequestID(t *testing.T) {
	_, err := Parse([]byte(`{"type":"prompt","prompt":"hi"}`))
	require.Error(t, err)
	assert.Equal(t, "Missing or invalid 'requestId' field", err.Error())
}

func TestParse_Prompt_SystemPromptTooLong(t *testing.T) {
	big := strings.Repeat("a", 64*1024+1)
	_, err := Parse([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1","systemPrompt":"` + big + `"}`))
	require.Error(t, err)
	assert.Equal(t, "System prompt exceeds maximum size of 64KiB", err.Error())
}

func TestParse_Prompt_ProjectIDTooLong(t *testing.T) {
	big := strings.Repeat("a", 129)
	_, err := Parse([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1","projectId":"` + big + `"}`))
	require.Error(t, err)
	assert.Equal(t, "projectId exceeds maximum length of 128 characters", err.Error())
}

func TestParse_Prompt_ProjectIDExactLengthAccepted(t *testing.T) {
	exact := strings.Repeat("a", 128)
	v, err := Parse([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1","projectId":"` + exact + `"}`))
	require.NoError(t, err)
	assert.Equal(t, exact, v.(*Prompt).ProjectID)
}

func TestParse_Prompt_ProjectIDInvalidFormat(t *testing.T) {
	_, err := Parse([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1","projectId":"../etc"}`))
	require.Error(t, err)
	assert.Equal(t, "Invalid projectId format", err.Error())
}

func TestParse_Prompt_UnknownProvider(t *testing.T) {
	_, err := Parse([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1","provider":"Z"}`))
	require.Error(t, err)
	assert.Equal(t, "Unknown provider: Z. Supported providers are A, B, C", err.Error())
}

func TestParse_Prompt_KnownProviders(t *testing.T) {
	for _, tag := range []string{"A", "B", "C"} {
		v, err := Parse([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1","provider":"` + tag + `"}`))
		require.NoError(t, err)
		assert.Equal(t, tag, v.(*Prompt).Provider)
	}
}

func TestParse_Prompt_ImagesValid(t *testing.T) {
	v, err := Parse([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1","images":[{"media_type":"image/png","data":"AAAA"}]}`))
	require.NoError(t, err)
	p := v.(*Prompt)
	require.Len(t, p.Images, 1)
	assert.Equal(t, "image/png", p.Images[0].MediaType)
}

func TestParse_Prompt_TooManyImages(t *testing.T) {
	img := `{"media_type":"image/png","data":"AAAA"}`
	body := `{"type":"prompt","prompt":"hi","requestId":"r1","images":[` +
		img + "," + img + "," + img + "," + img + "," + img + `]}`
	_, err := Parse([]byte(body))
	require.Error(t, err)
	assert.Equal(t, "Too many images: maximum is 4", err.Error())
}

func TestParse_Prompt_ExactlyFourImagesAccepted(t *testing.T) {
	img := `{"media_type":"image/png","data":"AAAA"}`
	body := `{"type":"prompt","prompt":"hi","requestId":"r1","images":[` +
		img + "," + img + "," + img + "," + img + `]}`
	v, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.Len(t, v.(*Prompt).Images, 4)
}

func TestParse_Prompt_BadMediaType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1","images":[{"media_type":"image/bmp","data":"AAAA"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unsupported media_type")
}

func TestParse_Prompt_ImageDataTooLarge(t *testing.T) {
	big := strings.Repeat("A", 10*1024*1024+1)
	_, err := Parse([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1","images":[{"media_type":"image/png","data":"` + big + `"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum size of 10MiB")
}

func TestParse_Prompt_ThinkingTokens(t *testing.T) {
	v, err := Parse([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1","thinkingTokens":512}`))
	require.NoError(t, err)
	p := v.(*Prompt)
	require.NotNil(t, p.ThinkingTokens)
	assert.Equal(t, int64(512), *p.ThinkingTokens)
}

func TestParse_Prompt_UnknownFieldsIgnored(t *testing.T) {
	v, err := Parse([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1","bogus":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", v.(*Prompt).Prompt)
}

func TestParse_Cancel_Valid(t *testing.T) {
	v, err := Parse([]byte(`{"type":"cancel","requestId":"r1"}`))
	require.NoError(t, err)
	c, ok := v.(*Cancel)
	require.True(t, ok)
	assert.Equal(t, "r1", c.RequestID)
}

func TestParse_Cancel_MissingRequestID(t *testing.T) {
	_, err := Parse([]byte(`{"type":"cancel"}`))
	require.Error(t, err)
	assert.Equal(t, "Missing or invalid 'requestId' field", err.Error())
}
