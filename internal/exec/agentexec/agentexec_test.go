package agentexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gridrun-dev/gridrun/internal/agent"
	"github.com/gridrun-dev/gridrun/internal/config"
	"github.com/gridrun-dev/gridrun/internal/matrix"
)

// fakeAgent speaks the agent protocol with canned exec behavior.
func fakeAgent(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agent.HeartbeatResponse{Time: time.Now(), Version: "test"})
	})
	mux.HandleFunc("/v0/exec", func(w http.ResponseWriter, r *http.Request) {
		if wantToken != "" && r.Header.Get("Authorization") != "Bearer "+wantToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req agent.ExecRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		resp := agent.ExecResponse{}
		switch {
		case req.Command == "mktemp":
			resp.Stdout = "/tmp/gridrun.fake\n"
		case req.Command == "rm":
			// teardown, nothing to report
		case len(req.Args) == 2 && req.Args[0] == "-c":
			script := req.Args[1]
			switch {
			case strings.HasPrefix(script, "exit "):
				resp.ExitCode = 5
			case script == "pwd":
				resp.Stdout = req.WorkDir + "\n"
			default:
				resp.Stdout = "ran: " + script + "\n"
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return httptest.NewServer(mux)
}

func testConfig(url, token string) config.Config {
	var cfg config.Config
	cfg.Executors.Agent.Endpoints = []config.AgentEndpoint{{OS: "ubuntu-latest", URL: url}}
	cfg.Executors.Agent.Token = token
	cfg.Executors.Agent.Shell = "sh"
	cfg.Defaults.TimeoutSeconds = 5
	return cfg
}

func TestOpenRunClose(t *testing.T) {
	srv := fakeAgent(t, "")
	defer srv.Close()

	e := New(testConfig(srv.URL, ""), nil)
	s, err := e.Open(context.Background(), matrix.Environment{OS: "ubuntu-latest", Runtime: "3.8"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.WorkDir() != "/tmp/gridrun.fake" {
		t.Fatalf("unexpected workdir %q", s.WorkDir())
	}

	res, err := s.Run(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Output, "ran: echo hi") {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = s.Run(context.Background(), "exit 5")
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if res.ExitCode != 5 {
		t.Fatalf("expected exit 5, got %d", res.ExitCode)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestTokenHeaderSent(t *testing.T) {
	srv := fakeAgent(t, "tok123")
	defer srv.Close()

	e := New(testConfig(srv.URL, "tok123"), nil)
	s, err := e.Open(context.Background(), matrix.Environment{OS: "ubuntu-latest", Runtime: "3.6"})
	if err != nil {
		t.Fatalf("open with token: %v", err)
	}
	defer s.Close()
}

func TestUnmappedOSFailsFast(t *testing.T) {
	e := New(config.Config{}, nil)
	if _, err := e.Open(context.Background(), matrix.Environment{OS: "plan9", Runtime: "3.6"}); err == nil {
		t.Fatalf("expected provisioning error")
	}
}

func TestSetupFailureIsProvisioningFailure(t *testing.T) {
	srv := fakeAgent(t, "")
	defer srv.Close()

	e := New(testConfig(srv.URL, ""), []string{"exit 1"})
	if _, err := e.Open(context.Background(), matrix.Environment{OS: "ubuntu-latest", Runtime: "3.6"}); err == nil {
		t.Fatalf("expected setup failure to abort open")
	}
}
