package core

import (
	"io"
	"log/slog"
	"testing"

	"reviewdesk/internal/config"
)

// testLogger returns a discard logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Security: config.SecurityConfig{
			AdminAPIKey:    "admin-key-0123456789",
			IdentityHeader: "X-Account-Id",
		},
		Build: config.BuildInfo{Version: "test"},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(testConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}
