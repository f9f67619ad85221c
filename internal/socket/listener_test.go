package socket

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/statsd-core/statsd/internal/event"
	"github.com/statsd-core/statsd/internal/queue"
)

type fakeDecoder struct{}

func (fakeDecoder) Decode(tagID uint32, payload []byte) ([]event.Field, error) {
	return []event.Field{event.BytesField(payload)}, nil
}

type recordedLoss struct {
	wallSec, lastAtomTag, errorTag    int64
	droppedCount, uid, pid            uint32
}

type fakeDiag struct {
	mu             sync.Mutex
	pushed         []uint32
	framingErrors  int
	overflows      []int64
	lossReports    []recordedLoss
}

func (d *fakeDiag) NotePushedAtom(tagID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushed = append(d.pushed, tagID)
}
func (d *fakeDiag) NoteFramingError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.framingErrors++
}
func (d *fakeDiag) NoteOverflow(oldestElapsedNS int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overflows = append(d.overflows, oldestElapsedNS)
}
func (d *fakeDiag) NoteLogLost(wallSec int64, droppedCount uint32, errorTag uint32, lastAtomTag uint32, uid, pid uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lossReports = append(d.lossReports, recordedLoss{
		wallSec: wallSec, errorTag: int64(errorTag), lastAtomTag: int64(lastAtomTag),
		droppedCount: droppedCount, uid: uid, pid: pid,
	})
}

func newTestListener(t *testing.T) (*Listener, *fakeDiag, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "statsdw")
	diag := &fakeDiag{}
	q := queue.New(10)
	l := New(Config{SocketPath: sockPath}, q, diag, fakeDecoder{}, nil, nil)
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, diag, sockPath
}

func sendDatagram(t *testing.T, sockPath string, payload []byte, withCreds bool) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	defer unix.Close(fd)

	var oob []byte
	if withCreds {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
			t.Fatalf("SO_PASSCRED: %v", err)
		}
		oob = unix.UnixCredentials(&unix.Ucred{
			Pid: int32(os.Getpid()),
			Uid: uint32(os.Getuid()),
			Gid: uint32(os.Getgid()),
		})
	}
	addr := &unix.SockaddrUnix{Name: sockPath}
	if err := unix.Sendmsg(fd, payload, oob, addr, 0); err != nil {
		t.Fatalf("sendmsg: %v", err)
	}
}

func runListenerAsync(t *testing.T, l *Listener) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	return cancel
}

func TestListenerParsesAtom(t *testing.T) {
	l, diag, sockPath := newTestListener(t)
	cancel := runListenerAsync(t, l)
	defer cancel()

	datagram := append(buildHeader(7, 1, 2, 0), append([]byte{0, 0, 0, 0}, []byte("hello")...)...)
	sendDatagram(t, sockPath, datagram, true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		diag.mu.Lock()
		n := len(diag.pushed)
		diag.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	diag.mu.Lock()
	defer diag.mu.Unlock()
	if len(diag.pushed) != 1 || diag.pushed[0] != 7 {
		t.Fatalf("expected one pushed atom for tag 7, got %v", diag.pushed)
	}
}

func TestListenerDropsShortDatagram(t *testing.T) {
	l, diag, sockPath := newTestListener(t)
	cancel := runListenerAsync(t, l)
	defer cancel()

	sendDatagram(t, sockPath, make([]byte, DefaultHeaderSize-1), false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		diag.mu.Lock()
		n := diag.framingErrors
		diag.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	diag.mu.Lock()
	defer diag.mu.Unlock()
	if diag.framingErrors != 1 {
		t.Fatalf("expected exactly one framing error, got %d", diag.framingErrors)
	}
	if len(diag.pushed) != 0 {
		t.Fatalf("expected no pushed atoms for a short datagram, got %v", diag.pushed)
	}
}

func TestListenerExactHeaderSizeDropped(t *testing.T) {
	l, diag, sockPath := newTestListener(t)
	cancel := runListenerAsync(t, l)
	defer cancel()

	datagram := buildHeader(3, 1, 1, 0)
	sendDatagram(t, sockPath, datagram, false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		diag.mu.Lock()
		n := diag.framingErrors
		diag.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	diag.mu.Lock()
	defer diag.mu.Unlock()
	if diag.framingErrors != 1 {
		t.Fatalf("expected a datagram of exactly header size to be dropped as a framing error, got %d errors", diag.framingErrors)
	}
	if len(diag.pushed) != 0 {
		t.Fatalf("expected no pushed atoms for a header-only datagram, got %v", diag.pushed)
	}
}

func TestListenerDropsShortAtomTag(t *testing.T) {
	l, diag, sockPath := newTestListener(t)
	cancel := runListenerAsync(t, l)
	defer cancel()

	// Past the fixed header, but fewer than 4 bytes remain for the
	// StatsEventTag — too short to skip, must be dropped.
	datagram := append(buildHeader(11, 1, 1, 0), []byte{0, 0}...)
	sendDatagram(t, sockPath, datagram, false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		diag.mu.Lock()
		n := diag.framingErrors
		diag.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	diag.mu.Lock()
	defer diag.mu.Unlock()
	if diag.framingErrors != 1 {
		t.Fatalf("expected exactly one framing error, got %d", diag.framingErrors)
	}
	if len(diag.pushed) != 0 {
		t.Fatalf("expected no pushed atoms, got %v", diag.pushed)
	}
}

func TestListenerLossReport(t *testing.T) {
	l, diag, sockPath := newTestListener(t)
	cancel := runListenerAsync(t, l)
	defer cancel()

	datagram := append(buildHeader(42, 55, 0, 0), EncodeLossComposite(100, 7)...)
	sendDatagram(t, sockPath, datagram, true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		diag.mu.Lock()
		n := len(diag.lossReports)
		diag.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	diag.mu.Lock()
	defer diag.mu.Unlock()
	if len(diag.lossReports) != 1 {
		t.Fatalf("expected one loss report, got %v", diag.lossReports)
	}
	lr := diag.lossReports[0]
	if lr.droppedCount != 7 || lr.lastAtomTag != 100 || lr.errorTag != 42 {
		t.Errorf("unexpected loss report: %+v", lr)
	}
	if len(diag.pushed) != 0 {
		t.Fatalf("loss reports must not be enqueued, got pushed=%v", diag.pushed)
	}
}

func TestListenerAcceptsDatagramWithoutSentCreds(t *testing.T) {
	l, diag, sockPath := newTestListener(t)
	cancel := runListenerAsync(t, l)
	defer cancel()

	datagram := append(buildHeader(9, 1, 1, 0), []byte{0, 0, 0, 0, 'x'}...)
	sendDatagram(t, sockPath, datagram, false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		diag.mu.Lock()
		n := len(diag.pushed)
		diag.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	diag.mu.Lock()
	defer diag.mu.Unlock()
	if len(diag.pushed) != 1 {
		t.Fatalf("expected datagram without credentials to still be accepted, got %v", diag.pushed)
	}
}
