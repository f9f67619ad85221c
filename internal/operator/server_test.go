package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/statsd-core/statsd/internal/diagnostics"
	"github.com/statsd-core/statsd/internal/event"
	"github.com/statsd-core/statsd/internal/pull"
	"github.com/statsd-core/statsd/internal/queue"
	"github.com/statsd-core/statsd/internal/uidmap"
)

type fixedClock struct{ elapsedNS, wallNS int64 }

func (c fixedClock) Now() (int64, int64) { return c.elapsedNS, c.wallNS }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "operator.sock")

	diag := diagnostics.New(diagnostics.Config{})
	q := queue.New(8)
	reg := pull.NewRegistry(pull.Config{
		DefaultCooldownNS:    1000,
		DefaultPullTimeoutNS: 1000,
		AlarmAlignmentNS:     1000,
	}, diag, uidmap.NewStaticMap(), fixedClock{}, nil)
	t.Cleanup(reg.Close)

	s := New(path, reg, diag, q, fixedClock{}, nil)
	if err := s.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	return s, path
}

func roundTrip(t *testing.T, path string, req Request) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := conn.Write(append(body, '\n')); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response line: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestQueueDepthCommand(t *testing.T) {
	_, path := newTestServer(t)
	resp := roundTrip(t, path, Request{Cmd: "queue_depth"})
	if !resp.OK {
		t.Fatalf("expected ok response, got %+v", resp)
	}
}

func TestSnapshotCommand(t *testing.T) {
	_, path := newTestServer(t)
	resp := roundTrip(t, path, Request{Cmd: "snapshot"})
	if !resp.OK || resp.Payload == nil {
		t.Fatalf("expected snapshot payload, got %+v", resp)
	}
}

func TestClearCacheCommandWithAndWithoutTag(t *testing.T) {
	_, path := newTestServer(t)

	resp := roundTrip(t, path, Request{Cmd: "clear_cache"})
	if !resp.OK {
		t.Fatalf("expected ok clearing all tags, got %+v", resp)
	}

	tag := uint32(7)
	resp = roundTrip(t, path, Request{Cmd: "clear_cache", TagID: &tag})
	if !resp.OK {
		t.Fatalf("expected ok clearing one tag, got %+v", resp)
	}
}

func TestClearStaleCacheCommand(t *testing.T) {
	_, path := newTestServer(t)
	resp := roundTrip(t, path, Request{Cmd: "clear_stale_cache"})
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp)
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	_, path := newTestServer(t)
	resp := roundTrip(t, path, Request{Cmd: "bogus"})
	if resp.OK {
		t.Fatal("expected unknown command to be rejected")
	}
}

func TestMalformedRequestRejected(t *testing.T) {
	_, path := newTestServer(t)
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("{not json\n"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response line: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.OK {
		t.Fatal("expected malformed request rejected")
	}
}

var _ event.Clock = fixedClock{}
