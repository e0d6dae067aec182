package server

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy_Allows(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	tests := []struct {
		name    string
		origins []string
		header  string
		want    bool
	}{
		{name: "wildcard", origins: []string{"*"}, header: "http://anything.example", want: true},
		{name: "exact match", origins: []string{"http://chat.example"}, header: "http://chat.example", want: true},
		{name: "case insensitive", origins: []string{"http://chat.example"}, header: "HTTP://CHAT.example", want: true},
		{name: "port matters", origins: []string{"http://chat.example"}, header: "http://chat.example:8080", want: false},
		{name: "scheme matters", origins: []string{"http://chat.example"}, header: "https://chat.example", want: false},
		{name: "missing header", origins: []string{"http://chat.example"}, header: "", want: true},
		{name: "garbage header", origins: []string{"http://chat.example"}, header: "not an origin", want: false},
		{name: "invalid config entries ignored", origins: []string{"chat.example", " ", "http://ok.example"}, header: "http://ok.example", want: true},
		{name: "nothing configured", origins: nil, header: "http://chat.example", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newOriginPolicy(tt.origins, log)
			assert.Equal(t, tt.want, p.allows(tt.header))
		})
	}
}

func TestOriginPolicy_CheckOriginReadsHeader(t *testing.T) {
	p := newOriginPolicy([]string{"http://chat.example"}, slog.New(slog.DiscardHandler))

	req := httptest.NewRequest("GET", "/socket.io/", nil)
	req.Header.Set("Origin", "http://chat.example")
	assert.True(t, p.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, p.checkOrigin(req))
}
