package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, dir string) *Logger {
	t.Helper()
	l, err := NewLogger(Config{Path: dir})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal entry: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestLogWritesChainedEntries(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)
	ctx := context.Background()

	l.Log(ctx, "operator", "Correlation rule saved", map[string]any{"rule_id": "rule-1"}, "system")
	l.Log(ctx, "system", "Correlated attack detected", map[string]any{"attack_id": "attack-1"}, "system")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readEntries(t, filepath.Join(dir, "audit.log"))
	if len(entries) != 2 {
		t.Fatalf("log has %d entries, want 2", len(entries))
	}

	if entries[0].Sequence != 1 || entries[1].Sequence != 2 {
		t.Errorf("sequences = %d, %d, want 1, 2", entries[0].Sequence, entries[1].Sequence)
	}
	if entries[0].Actor != "operator" {
		t.Errorf("Actor = %q, want operator", entries[0].Actor)
	}
	if entries[0].PreviousHash != genesisHash() {
		t.Error("first entry not chained to the genesis hash")
	}
	if entries[1].PreviousHash != entries[0].EntryHash {
		t.Error("second entry not chained to the first")
	}
	if entries[0].EntryHash == "" || entries[0].Signature == "" {
		t.Error("entry missing hash or signature")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Log(ctx, "system", "Correlated attack detected", map[string]any{"n": i}, "system")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	logPath := filepath.Join(dir, "audit.log")

	// Reopen to get a verifier holding the same key.
	v := newTestLogger(t, dir)
	defer v.Close()

	count, err := v.Verify(logPath)
	if err != nil {
		t.Fatalf("Verify on intact log: %v", err)
	}
	if count != 3 {
		t.Errorf("Verify counted %d entries, want 3", count)
	}

	// Tamper with the middle entry's message.
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"n":1`, `"n":9`, 1)
	if tampered == string(data) {
		t.Fatal("tampering substitution did not apply")
	}
	if err := os.WriteFile(logPath, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := v.Verify(logPath); err == nil {
		t.Error("Verify = nil error on tampered log")
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Log(ctx, "system", "entry", nil, "system")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	logPath := filepath.Join(dir, "audit.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.SplitAfter(string(data), "\n")
	// Drop the middle entry; the chain must break.
	truncated := lines[0] + lines[2]
	if err := os.WriteFile(logPath, []byte(truncated), 0o600); err != nil {
		t.Fatal(err)
	}

	v := newTestLogger(t, dir)
	defer v.Close()
	if _, err := v.Verify(logPath); err == nil {
		t.Error("Verify = nil error after entry deletion")
	}
}

func TestChainResumesAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l := newTestLogger(t, dir)
	l.Log(ctx, "system", "before restart", nil, "system")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2 := newTestLogger(t, dir)
	l2.Log(ctx, "system", "after restart", nil, "system")
	if err := l2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	logPath := filepath.Join(dir, "audit.log")
	entries := readEntries(t, logPath)
	if len(entries) != 2 {
		t.Fatalf("log has %d entries, want 2", len(entries))
	}
	if entries[1].Sequence != 2 {
		t.Errorf("sequence after restart = %d, want 2", entries[1].Sequence)
	}
	if entries[1].PreviousHash != entries[0].EntryHash {
		t.Error("chain did not resume from the pre-restart entry")
	}

	v := newTestLogger(t, dir)
	defer v.Close()
	count, err := v.Verify(logPath)
	if err != nil {
		t.Fatalf("Verify across restart: %v", err)
	}
	if count != 2 {
		t.Errorf("Verify counted %d entries, want 2", count)
	}
}

func TestLogAfterCloseIsDropped(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Must not panic or write.
	l.Log(context.Background(), "system", "late entry", nil, "system")

	entries := readEntries(t, filepath.Join(dir, "audit.log"))
	if len(entries) != 0 {
		t.Errorf("log has %d entries after close, want 0", len(entries))
	}

	if err := l.Close(); err != ErrLoggerClosed {
		t.Errorf("second Close = %v, want ErrLoggerClosed", err)
	}
}
