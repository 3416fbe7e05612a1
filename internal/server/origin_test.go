package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   string
		ok     bool
	}{
		{"http://localhost:8080", "http://localhost:8080", true},
		{"HTTPS://Chat.Example", "https://chat.example", true},
		{"https://chat.example/path?q=1", "https://chat.example", true},
		{"chat.example", "", false},
		{"://missing-scheme", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := normalizeOrigin(tt.origin)
		assert.Equal(t, tt.ok, ok, tt.origin)
		assert.Equal(t, tt.want, got, tt.origin)
	}
}

func TestNormalizeOriginsSkipsInvalidEntries(t *testing.T) {
	normalized, allowAll := normalizeOrigins(
		[]string{" http://A.example ", "", "not an origin", "https://b.example"},
		zap.NewNop())

	assert.False(t, allowAll)
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, normalized)
}

func TestNormalizeOriginsWildcard(t *testing.T) {
	normalized, allowAll := normalizeOrigins([]string{"*", "http://a.example"}, zap.NewNop())

	assert.True(t, allowAll)
	assert.Equal(t, []string{"http://a.example"}, normalized)
}

func TestOriginPolicyIsAllowed(t *testing.T) {
	policy := newOriginPolicy([]string{"http://localhost:8080"}, zap.NewNop())

	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:8080", true},
		{"http://LOCALHOST:8080", true},
		{"http://localhost:9090", false},
		{"https://localhost:8080", false},
		{"", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, policy.checkOrigin(req), tt.origin)
	}
}

func TestOriginPolicyEmptyListDeniesAll(t *testing.T) {
	policy := newOriginPolicy(nil, zap.NewNop())

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	assert.False(t, policy.isAllowed(req))
}
