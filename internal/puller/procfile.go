package puller

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/statsd-core/statsd/internal/event"
)

// ProcFilePuller reads a pseudo-file whose lines look like
// "uid: v1 v2 ... vN" and emits one EventRecord per (uid, column-index,
// value), per §4.3 family 1.
type ProcFilePuller struct {
	Path string
}

func NewProcFilePuller(path string) *ProcFilePuller {
	return &ProcFilePuller{Path: path}
}

func (p *ProcFilePuller) PullInternal(ctx context.Context, tagID uint32, deadlineNS int64) ([]event.Record, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Kind: Unavailable, Tag: tagID, Err: err}
		}
		return nil, &Error{Kind: RemoteError, Tag: tagID, Err: err}
	}
	defer f.Close()

	var out []event.Record
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: Timeout, Tag: tagID, Err: ctx.Err()}
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		recs, err := parseProcLine(tagID, line)
		if err != nil {
			return nil, &Error{Kind: Malformed, Tag: tagID, Err: fmt.Errorf("line %d: %w", lineNo, err)}
		}
		out = append(out, recs...)
	}
	if err := scanner.Err(); err != nil {
		return nil, &Error{Kind: RemoteError, Tag: tagID, Err: err}
	}
	return out, nil
}

func parseProcLine(tagID uint32, line string) ([]event.Record, error) {
	uidPart, rest, ok := strings.Cut(line, ":")
	if !ok {
		return nil, fmt.Errorf("missing ':' separator")
	}
	uid64, err := strconv.ParseUint(strings.TrimSpace(uidPart), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad uid %q: %w", uidPart, err)
	}
	uid := uint32(uid64)

	cols := strings.Fields(rest)
	if len(cols) == 0 {
		return nil, fmt.Errorf("uid %d: no value columns", uid)
	}

	recs := make([]event.Record, 0, len(cols))
	for i, col := range cols {
		v, err := strconv.ParseInt(col, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("uid %d column %d: bad value %q: %w", uid, i, col, err)
		}
		rec, err := event.New(tagID, uid, 0, 0, 0, []event.Field{
			event.Int32(int32(i)),
			event.Int64(v),
		})
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
