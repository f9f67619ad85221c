package puller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestProcFilePullerParsesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat")
	content := "1000: 5 10\n2000: 7 3\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	p := NewProcFilePuller(path)
	recs, err := p.PullInternal(context.Background(), 7, 0)
	if err != nil {
		t.Fatalf("PullInternal: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("expected 4 records (2 uids x 2 columns), got %d", len(recs))
	}
	if recs[0].UID != 1000 || recs[0].Fields[1].I64 != 5 {
		t.Errorf("unexpected first record: %+v", recs[0])
	}
	if recs[3].UID != 2000 || recs[3].Fields[1].I64 != 3 {
		t.Errorf("unexpected last record: %+v", recs[3])
	}
}

func TestProcFilePullerMissingFile(t *testing.T) {
	p := NewProcFilePuller(filepath.Join(t.TempDir(), "does-not-exist"))
	_, err := p.PullInternal(context.Background(), 1, 0)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if KindOf(err) != Unavailable {
		t.Errorf("expected Unavailable, got %v", KindOf(err))
	}
}

func TestProcFilePullerMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat")
	if err := os.WriteFile(path, []byte("not-a-valid-line\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	p := NewProcFilePuller(path)
	_, err := p.PullInternal(context.Background(), 1, 0)
	if err == nil {
		t.Fatal("expected error for malformed line")
	}
	if KindOf(err) != Malformed {
		t.Errorf("expected Malformed, got %v", KindOf(err))
	}
}
