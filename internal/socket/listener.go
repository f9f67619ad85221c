package socket

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/statsd-core/statsd/internal/event"
	"github.com/statsd-core/statsd/internal/queue"
)

// DefaultOverflowUID substitutes for uid/pid when SCM_CREDENTIALS is absent
// from a datagram's ancillary data, per §6/§9: several producers legitimately
// run without credentials and the datagram must still be accepted.
const DefaultOverflowUID = 65534

// DefaultMaxPayload bounds the largest datagram Recvmsg will accept.
const DefaultMaxPayload = 4096

// Diagnostics is the narrow slice of the diagnostics collaborator (C9) the
// listener needs. Framing errors, pushed-atom counts, overflow timestamps
// and loss reports are all reported through it; the listener itself holds
// no counters.
type Diagnostics interface {
	NotePushedAtom(tagID uint32)
	NoteFramingError()
	NoteOverflow(oldestElapsedNS int64)
	NoteLogLost(wallSec int64, droppedCount uint32, errorTag uint32, lastAtomTag uint32, uid, pid uint32)
}

// BodyDecoder turns the bytes following the fixed header into a typed field
// vector. Wire-schema definition for atom bodies is explicitly out of scope
// for this subsystem (a Non-goal of the core this package belongs to) — the
// listener defers to an injected decoder rather than hard-coding one.
type BodyDecoder interface {
	Decode(tagID uint32, payload []byte) ([]event.Field, error)
}

// Config configures a Listener.
type Config struct {
	// SocketPath is the AF_UNIX SOCK_DGRAM path to bind, e.g. /dev/socket/statsdw.
	SocketPath string
	// HeaderSize overrides DefaultHeaderSize. Zero uses the default.
	HeaderSize int
	// MaxPayload overrides DefaultMaxPayload. Zero uses the default.
	MaxPayload int
}

func (c Config) headerSize() int {
	if c.HeaderSize <= 0 {
		return DefaultHeaderSize
	}
	return c.HeaderSize
}

func (c Config) maxPayload() int {
	if c.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	return c.MaxPayload
}

// Listener is the SocketListener (C3). One Listener owns exactly one
// datagram socket file descriptor and is driven by a single reader
// goroutine via Run.
type Listener struct {
	cfg     Config
	fd      int
	queue   *queue.Queue
	diag    Diagnostics
	decoder BodyDecoder
	clock   event.Clock
	log     *zap.Logger

	closed int32
}

// New constructs a Listener. clock defaults to event.SystemClock{} if nil.
func New(cfg Config, q *queue.Queue, diag Diagnostics, decoder BodyDecoder, clock event.Clock, log *zap.Logger) *Listener {
	if clock == nil {
		clock = event.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{cfg: cfg, queue: q, diag: diag, decoder: decoder, clock: clock, log: log}
}

// Open creates, configures and binds the underlying socket. It removes any
// stale socket file at the configured path before binding, matching the
// restart idiom of a SOCK_DGRAM listener owning a filesystem name.
func (l *Listener) Open() error {
	if err := os.RemoveAll(l.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("socket: remove stale socket %s: %w", l.cfg.SocketPath, err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("socket: create: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socket: enable SO_PASSCRED: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: l.cfg.SocketPath}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socket: bind %s: %w", l.cfg.SocketPath, err)
	}
	l.fd = fd
	return nil
}

// Run loops recv-parse-push until ctx is cancelled or Close is called, or a
// socket-level error (EBADF, ENOTCONN) occurs — those are surfaced to the
// caller per §4.2, terminating the reader task. Transient framing problems
// never terminate the loop.
func (l *Listener) Run(ctx context.Context) error {
	buf := make([]byte, l.cfg.maxPayload())
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, oobn, _, _, err := unix.Recvmsg(l.fd, buf, oob, 0)
		if err != nil {
			if atomic.LoadInt32(&l.closed) == 1 {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("socket: recvmsg: %w", err)
		}
		l.handleDatagram(buf[:n], oob[:oobn])
	}
}

func (l *Listener) handleDatagram(data, oob []byte) {
	hs := l.cfg.headerSize()
	if len(data) <= hs {
		l.diag.NoteFramingError()
		return
	}
	hdr, err := ParseHeader(data, hs)
	if err != nil {
		l.diag.NoteFramingError()
		return
	}

	uid, pid := l.extractCredentials(oob)
	payload := data[hs:]

	if IsLossReport(payload) {
		lastAtomTag, dropped := DecodeLossComposite(payload)
		l.diag.NoteLogLost(int64(hdr.Sec), dropped, hdr.Tag, lastAtomTag, uid, pid)
		return
	}

	// Atom payloads carry a 4-byte StatsEventTag ahead of the body, distinct
	// from the fixed header already stripped above; only the body goes to
	// the decoder.
	if len(payload) < 4 {
		l.diag.NoteFramingError()
		return
	}
	fields, err := l.decoder.Decode(hdr.Tag, payload[4:])
	if err != nil {
		l.diag.NoteFramingError()
		return
	}

	elapsedNS, wallNS := l.clock.Now()
	rec, err := event.New(hdr.Tag, uid, pid, elapsedNS, wallNS, fields)
	if err != nil {
		l.diag.NoteFramingError()
		return
	}

	l.diag.NotePushedAtom(hdr.Tag)
	if res := l.queue.Push(rec); !res.Accepted {
		l.diag.NoteOverflow(res.OldestElapsedNS)
	}
}

// extractCredentials decodes SCM_CREDENTIALS from oob, falling back to
// DefaultOverflowUID/pid=0 when absent or malformed rather than rejecting
// the datagram (§9).
func (l *Listener) extractCredentials(oob []byte) (uid, pid uint32) {
	if len(oob) == 0 {
		return DefaultOverflowUID, 0
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return DefaultOverflowUID, 0
	}
	for _, scm := range scms {
		cred, err := unix.ParseUnixCredentials(&scm)
		if err != nil {
			continue
		}
		return uint32(cred.Uid), uint32(cred.Pid)
	}
	return DefaultOverflowUID, 0
}

// Close unbinds and removes the socket. Run's in-flight Recvmsg returns an
// error that Run treats as a clean shutdown once closed is set.
func (l *Listener) Close() error {
	atomic.StoreInt32(&l.closed, 1)
	if l.fd != 0 {
		if err := unix.Close(l.fd); err != nil {
			return fmt.Errorf("socket: close: %w", err)
		}
	}
	if err := os.RemoveAll(l.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("socket: remove %s: %w", l.cfg.SocketPath, err)
	}
	return nil
}
