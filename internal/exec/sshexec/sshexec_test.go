package sshexec

import (
	"context"
	"testing"

	"github.com/gridrun-dev/gridrun/internal/config"
	"github.com/gridrun-dev/gridrun/internal/matrix"
)

func TestHostLookup(t *testing.T) {
	var cfg config.Config
	cfg.Executors.SSH.Hosts = []config.Host{
		{OS: "ubuntu-latest", Name: "lin1", IP: "10.0.0.5", User: "ci"},
		{OS: "macos-latest", Name: "mac1", IP: "10.0.0.6", User: "ci"},
	}
	e := New(cfg, nil)

	h, err := e.hostFor(matrix.Environment{OS: "macos-latest", Runtime: "3.7"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if h.Name != "mac1" {
		t.Fatalf("expected mac1, got %s", h.Name)
	}

	if _, err := e.hostFor(matrix.Environment{OS: "windows-latest", Runtime: "3.7"}); err == nil {
		t.Fatalf("expected error for unmapped os")
	}
}

func TestOpenUnmappedOSFailsFast(t *testing.T) {
	e := New(config.Config{}, nil)
	if _, err := e.Open(context.Background(), matrix.Environment{OS: "plan9", Runtime: "3.8"}); err == nil {
		t.Fatalf("expected provisioning error")
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"plain":        "'plain'",
		"with space":   "'with space'",
		"don't":        `'don'\''t'`,
		"a;rm -rf /":   "'a;rm -rf /'",
		"$HOME `id` x": "'$HOME `id` x'",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Fatalf("quote %q: expected %s, got %s", in, want, got)
		}
	}
}
