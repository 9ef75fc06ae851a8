package uds

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortSockPath stays under the unix socket path limit (104 bytes on macOS).
func shortSockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "t.sock")
}

func startServer(t *testing.T, register func(*Server)) (*Server, *Client, string) {
	t.Helper()
	path := shortSockPath(t)
	server := NewServer(path, nil)
	if register != nil {
		register(server)
	}
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })

	client := NewClient(path)
	client.SetTimeout(5 * time.Second)
	return server, client, path
}

type codedErr struct{ code string }

func (e codedErr) Error() string     { return "coded failure" }
func (e codedErr) ErrorCode() string { return e.code }

type decisionParams struct {
	RequestID string `json:"request_id"`
	Actor     string `json:"actor"`
}

func TestFrame_RoundTripAndSingleWrite(t *testing.T) {
	var buf bytes.Buffer
	req, err := NewRequest("approve", decisionParams{RequestID: "apr_1", Actor: "bob"})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, req))

	length := binary.BigEndian.Uint32(buf.Bytes()[:4])
	assert.Equal(t, int(length), buf.Len()-4)

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, ProtocolVersion, got.ProtocolVersion)
	assert.Equal(t, "approve", got.Command)

	var p decisionParams
	require.NoError(t, got.DecodeParams(&p))
	assert.Equal(t, decisionParams{RequestID: "apr_1", Actor: "bob"}, p)
}

func TestFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameBytes+1)
	buf.Write(header[:])

	var v Response
	err := ReadFrame(&buf, &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame too large")
}

func TestFrame_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString(`{"success":`)

	var v Response
	require.Error(t, ReadFrame(&buf, &v))
}

func TestFrame_LargeComment(t *testing.T) {
	var buf bytes.Buffer
	content := strings.Repeat("x", 1024*1024)
	require.NoError(t, WriteFrame(&buf, SuccessResponse(map[string]string{"content": content})))

	var resp Response
	require.NoError(t, ReadFrame(&buf, &resp))
	var out map[string]string
	require.NoError(t, resp.Decode(&out))
	assert.Len(t, out["content"], len(content))
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("ping", func(context.Context, *Request) *Response { return SuccessResponse(nil) })
	})

	resp, err := client.Send(context.Background(), &Request{ProtocolVersion: 999, Command: "ping"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client, _ := startServer(t, nil)

	err := client.Call(context.Background(), "nonexistent", nil, nil)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeUnknownCommand, detail.Code)
	assert.Contains(t, detail.Message, "nonexistent")
}

func TestBind_DecodesParamsAndEncodesResult(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("approve", Bind(func(_ context.Context, p decisionParams) (any, error) {
			return map[string]string{"approved_by": p.Actor, "request_id": p.RequestID}, nil
		}))
	})

	var out map[string]string
	require.NoError(t, client.Call(context.Background(), "approve", decisionParams{RequestID: "apr_7", Actor: "carol"}, &out))
	assert.Equal(t, map[string]string{"approved_by": "carol", "request_id": "apr_7"}, out)
}

func TestBind_ErrorCodes(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("coded", Bind(func(context.Context, struct{}) (any, error) {
			return nil, fmt.Errorf("wrapped: %w", codedErr{code: ErrCodeConflict})
		}))
		s.Handle("plain", Bind(func(context.Context, struct{}) (any, error) {
			return nil, errors.New("disk full")
		}))
		s.Handle("typed", Bind(func(context.Context, decisionParams) (any, error) {
			return nil, nil
		}))
	})
	ctx := context.Background()

	var detail *ErrorDetail
	require.ErrorAs(t, client.Call(ctx, "coded", nil, nil), &detail)
	assert.Equal(t, ErrCodeConflict, detail.Code)
	assert.Equal(t, "wrapped: coded failure", detail.Message)

	require.ErrorAs(t, client.Call(ctx, "plain", nil, nil), &detail)
	assert.Equal(t, ErrCodeInternal, detail.Code)
	assert.Equal(t, "disk full", detail.Message)

	require.ErrorAs(t, client.Call(ctx, "typed", map[string]int{"request_id": 5}, nil), &detail)
	assert.Equal(t, ErrCodeValidation, detail.Code)
	assert.Contains(t, detail.Message, "invalid params for typed")
}

func TestServer_HandlerPanicBecomesInternalError(t *testing.T) {
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("boom", func(context.Context, *Request) *Response { panic("bad state") })
		s.Handle("ok", func(context.Context, *Request) *Response { return SuccessResponse(nil) })
	})

	var detail *ErrorDetail
	require.ErrorAs(t, client.Call(context.Background(), "boom", nil, nil), &detail)
	assert.Equal(t, ErrCodeInternal, detail.Code)

	require.NoError(t, client.Call(context.Background(), "ok", nil, nil))
}

func TestServer_ConcurrentClients(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("comment", Bind(func(_ context.Context, p decisionParams) (any, error) {
			mu.Lock()
			seen[p.Actor] = true
			mu.Unlock()
			return p, nil
		}))
	})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			actor := fmt.Sprintf("user%d", i)
			var out decisionParams
			if err := client.Call(context.Background(), "comment", decisionParams{Actor: actor}, &out); err != nil {
				errs <- err
				return
			}
			if out.Actor != actor {
				errs <- fmt.Errorf("got %q, want %q", out.Actor, actor)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Len(t, seen, 20)
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	client.SetTimeout(time.Second)

	err := client.Call(context.Background(), "ping", nil, nil)
	require.ErrorIs(t, err, ErrDaemonUnavailable)
	assert.Contains(t, err.Error(), "signoff daemon")
}

func TestClient_ContextCancelAbortsSlowHandler(t *testing.T) {
	release := make(chan struct{})
	_, client, _ := startServer(t, func(s *Server) {
		s.Handle("slow", func(ctx context.Context, _ *Request) *Response {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return SuccessResponse(nil)
		})
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := client.Call(ctx, "slow", nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestServer_IdleConnectionTimesOut(t *testing.T) {
	_, client, path := startServer(t, func(s *Server) {
		s.SetConnTimeout(300 * time.Millisecond)
		s.Handle("ping", func(context.Context, *Request) *Response { return SuccessResponse(nil) })
	})

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err, "server should close an idle connection")

	require.NoError(t, client.Call(context.Background(), "ping", nil, nil))
}

func TestServer_SocketLifecycle(t *testing.T) {
	path := shortSockPath(t)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0644))

	server := NewServer(path, nil)
	require.NoError(t, server.Start(context.Background()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.NotZero(t, info.Mode()&os.ModeSocket)

	require.NoError(t, server.Stop())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_HandlerContextCancelledOnStop(t *testing.T) {
	entered := make(chan struct{})
	finished := make(chan error, 1)
	server, client, _ := startServer(t, func(s *Server) {
		s.Handle("wait", func(ctx context.Context, _ *Request) *Response {
			close(entered)
			<-ctx.Done()
			finished <- ctx.Err()
			return SuccessResponse(nil)
		})
	})

	go func() { _ = client.Call(context.Background(), "wait", nil, nil) }()
	<-entered
	require.NoError(t, server.Stop())

	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestServer_Commands(t *testing.T) {
	s := NewServer(shortSockPath(t), nil)
	noop := func(context.Context, *Request) *Response { return nil }
	s.Handle("reject", noop)
	s.Handle("approve", noop)
	s.Handle("ping", noop)
	assert.Equal(t, []string{"approve", "ping", "reject"}, s.Commands())
}

func TestErrorFrom(t *testing.T) {
	resp := ErrorFrom(&ErrorDetail{Code: ErrCodeNotFound, Message: "request apr_1 not found"})
	assert.Equal(t, &ErrorDetail{Code: ErrCodeNotFound, Message: "request apr_1 not found"}, resp.Error)

	resp = ErrorFrom(codedErr{})
	assert.Equal(t, ErrCodeInternal, resp.Error.Code, "empty code falls back to internal")
}

func TestResponseDecode(t *testing.T) {
	require.NoError(t, SuccessResponse(nil).Decode(nil))

	var out []string
	require.NoError(t, SuccessResponse([]string{"a", "b"}).Decode(&out))
	assert.Equal(t, []string{"a", "b"}, out)

	err := (&Response{}).Decode(nil)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeInternal, detail.Code)

	bad := SuccessResponse(make(chan int))
	assert.False(t, bad.Success)
	assert.Equal(t, ErrCodeInternal, bad.Error.Code)
}
