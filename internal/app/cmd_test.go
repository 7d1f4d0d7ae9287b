package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRootCommand_RegistersSubcommands(t *testing.T) {
	root := NewRootCommand(&bytes.Buffer{})

	for _, c := range []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck, CommandGrant} {
		found, _, err := root.Find([]string{string(c)})
		if err != nil {
			t.Errorf("Find(%q) error: %v", c, err)
			continue
		}
		if found.Name() != string(c) {
			t.Errorf("Find(%q) = %q", c, found.Name())
		}
	}
}

func TestNewRootCommand_DefaultsToServe(t *testing.T) {
	root := NewRootCommand(&bytes.Buffer{})
	if root.RunE == nil {
		t.Fatal("root command must be runnable so that no subcommand starts the server")
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandServe, "serve"},
		{CommandWorker, "worker"},
		{CommandMigrate, "migrate"},
		{CommandHealthcheck, "healthcheck"},
		{CommandGrant, "grant"},
	}

	for _, tt := range tests {
		if got := string(tt.cmd); got != tt.want {
			t.Errorf("Command(%q) string = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}

func TestRun_UnknownCommand_ReturnsError(t *testing.T) {
	var buf bytes.Buffer
	err := Run(&buf, []string{"unknown"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), "unknown") {
		t.Errorf("error = %v, want unknown command", err)
	}
}

func TestRun_ServeRejectsExtraArgs(t *testing.T) {
	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve", "extra"}); err == nil {
		t.Fatal("expected error for extra positional args")
	}
}

func TestRun_GrantRequiresEmail(t *testing.T) {
	var buf bytes.Buffer
	err := Run(&buf, []string{"grant"})
	if err == nil {
		t.Fatal("expected error without --email")
	}
	if !strings.Contains(err.Error(), "--email") {
		t.Errorf("error = %v, want mention of --email", err)
	}
}

func TestRun_Healthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"healthy", http.StatusOK, false},
		{"unavailable", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("path = %q, want /health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			// healthcheckは設定を必要としない
			clearTestEnv(t)

			var buf bytes.Buffer
			err := Run(&buf, []string{"healthcheck", "--url", srv.URL + "/health"})
			if (err != nil) != tt.wantErr {
				t.Errorf("Run(healthcheck) error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultHealthcheckURL(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	if got := defaultHealthcheckURL(); got != "http://localhost:9090/health" {
		t.Errorf("defaultHealthcheckURL() = %q", got)
	}

	t.Setenv("SERVER_PORT", "")
	if got := defaultHealthcheckURL(); got != "http://localhost:8080/health" {
		t.Errorf("defaultHealthcheckURL() = %q", got)
	}
}
