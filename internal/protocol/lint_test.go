package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLint_ValidPromptNoIssues(t *testing.T) {
	issues, err := Lint([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1"}`))
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestLint_InvalidMediaTypeReported(t *testing.T) {
	issues, err := Lint([]byte(`{"type":"prompt","prompt":"hi","requestId":"r1","images":[{"media_type":"image/bmp","data":"x"}]}`))
	require.NoError(t, err)
	assert.NotEmpty(t, issues)
}

func TestLint_InvalidJSONReported(t *testing.T) {
	issues, err := Lint([]byte(`not json`))
	require.NoError(t, err)
	assert.NotEmpty(t, issues)
}
