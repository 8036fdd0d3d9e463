package ssh

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testSigner(t *testing.T) *Client {
	t.Helper()
	priv := filepath.Join(t.TempDir(), "id_ed25519")
	if _, err := GenerateEd25519Keypair(priv); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	return &Client{
		User:    "ci",
		Signer:  signer,
		Timeout: time.Second,
		Backoff: time.Millisecond,
	}
}

func TestRunCommandRequiresSigner(t *testing.T) {
	c := &Client{Addr: "127.0.0.1:22", User: "ci"}
	if _, _, err := c.RunCommand(context.Background(), "true"); err == nil {
		t.Fatalf("expected signer-required error")
	}
}

func TestRunCommandDialFailureAfterRetries(t *testing.T) {
	c := testSigner(t)
	// Port 1 on loopback refuses immediately; the retry path must surface the
	// dial failure, not loop forever.
	c.Addr = "127.0.0.1:1"
	c.Retries = 1

	_, _, err := c.RunCommand(context.Background(), "true")
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if !strings.Contains(err.Error(), "dial") {
		t.Fatalf("expected dial failure, got: %v", err)
	}
}

func TestRunCommandHonorsCancellation(t *testing.T) {
	c := testSigner(t)
	c.Addr = "127.0.0.1:1"
	c.Retries = 3
	c.Backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := c.RunCommand(ctx, "true")
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error from cancelled command")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("RunCommand did not return after cancellation")
	}
}
