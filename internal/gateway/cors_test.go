package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginAllowed_EmptyAllowlistPermitsAny(t *testing.T) {
	assert.True(t, originAllowed("https://evil.example.com", nil))
}

func TestOriginAllowed_MissingOriginAlwaysAllowed(t *testing.T) {
	assert.True(t, originAllowed("", []string{"https://app.example.com"}))
}

func TestOriginAllowed_MatchInList(t *testing.T) {
	assert.True(t, originAllowed("https://app.example.com", []string{"https://app.example.com"}))
}

func TestOriginAllowed_RejectsUnlisted(t *testing.T) {
	assert.False(t, originAllowed("https://evil.example.com", []string{"https://app.example.com"}))
}
