package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe-Token") == "nope" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/created":
			w.WriteHeader(http.StatusCreated)
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	ctx := context.Background()

	result := NewHTTPChecker(server.URL + "/healthz").Check(ctx)
	assert.True(t, result.Healthy, result.Message)
	assert.Positive(t, result.Duration)

	result = NewHTTPChecker(server.URL + "/broken").Check(ctx)
	assert.False(t, result.Healthy)

	result = NewHTTPChecker(server.URL+"/created").WithStatusRange(200, 299).Check(ctx)
	assert.True(t, result.Healthy, result.Message)

	result = NewHTTPChecker(server.URL).WithHeader("X-Probe-Token", "nope").Check(ctx)
	assert.False(t, result.Healthy)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	result = NewHTTPChecker(server.URL).Check(cancelled)
	assert.False(t, result.Healthy)

	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker(server.URL).Type())
}

func TestTCPChecker(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	result := NewTCPChecker(listener.Addr().String()).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	// A closed port fails fast.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := dead.Addr().String()
	dead.Close()

	result = NewTCPChecker(addr).WithTimeout(time.Second).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Equal(t, CheckTypeTCP, NewTCPChecker(addr).Type())
}

func TestExecChecker(t *testing.T) {
	ran := [][]string{}
	ok := NewExecChecker([]string{"test", "-f", "/done.txt"}).
		WithRunner(func(ctx context.Context, command []string) (string, error) {
			ran = append(ran, command)
			return "", nil
		})
	result := ok.Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	require.Len(t, ran, 1)
	assert.Equal(t, []string{"test", "-f", "/done.txt"}, ran[0])

	failing := NewExecChecker([]string{"false"}).
		WithRunner(func(ctx context.Context, command []string) (string, error) {
			return "exit status 1", fmt.Errorf("exit status 1")
		})
	result = failing.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "exit status 1")

	result = NewExecChecker(nil).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Equal(t, CheckTypeExec, failing.Type())
}
