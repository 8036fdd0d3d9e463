package agentexec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// TestClientConcurrentUse exercises one shared client from parallel jobs, the
// way the runner drives it. Run with -race to verify the limiter stays safe.
func TestClientConcurrentUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewRetryableHTTPClient(5*time.Second, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				resp, err := client.Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
				if err != nil {
					t.Errorf("do: %v", err)
					return
				}
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()
}

func TestRateLimiterSpacesCalls(t *testing.T) {
	rl := NewRateLimiter(100) // 10ms interval

	start := time.Now()
	for i := 0; i < 3; i++ {
		rl.Wait()
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("three calls finished in %v, limiter not spacing them", elapsed)
	}
}
