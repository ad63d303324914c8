// Package audit provides tamper-evident audit logging for the correlation
// engine. Entries form a hash chain with HMAC signatures so that
// modification, deletion or insertion of entries is detectable.
package audit

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrLoggerClosed = errors.New("audit logger is closed")
	ErrChainBroken  = errors.New("audit chain integrity broken")
	ErrBadSignature = errors.New("invalid audit entry signature")
)

// Entry is a single audit record: who did what, with structured details and
// a category, chained to the previous entry.
type Entry struct {
	ID        string         `json:"id"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Message   string         `json:"message"`
	Category  string         `json:"category"`
	Details   map[string]any `json:"details,omitempty"`

	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
	Signature    string `json:"signature"`
}

// computeHash hashes all fields except EntryHash and Signature in
// deterministic order.
func (e *Entry) computeHash() string {
	h := sha256.New()
	h.Write([]byte(e.ID))
	fmt.Fprintf(h, "%d", e.Sequence)
	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(e.Actor))
	h.Write([]byte(e.Message))
	h.Write([]byte(e.Category))

	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			fmt.Fprintf(h, "%v", e.Details[k])
		}
	}

	h.Write([]byte(e.PreviousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// sign sets EntryHash and the HMAC signature over hash and chain link.
func (e *Entry) sign(key []byte) {
	e.EntryHash = e.computeHash()
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(e.EntryHash))
	mac.Write([]byte(e.PreviousHash))
	e.Signature = hex.EncodeToString(mac.Sum(nil))
}

// verify checks the entry hash and signature.
func (e *Entry) verify(key []byte) bool {
	if e.computeHash() != e.EntryHash {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(e.EntryHash))
	mac.Write([]byte(e.PreviousHash))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(e.Signature), []byte(expected))
}

// Config configures the audit logger.
type Config struct {
	// Path is the directory for the audit log and HMAC key.
	Path string
}

// Logger writes hash-chained audit entries as JSON lines. It implements the
// engine's audit sink contract.
type Logger struct {
	mu sync.Mutex

	file    *os.File
	writer  *bufio.Writer
	hmacKey []byte

	sequence     uint64
	previousHash string
	closed       bool
}

// NewLogger creates an audit logger writing to <path>/audit.log. The HMAC
// key is loaded from the directory or generated on first use.
func NewLogger(cfg Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	key, err := loadOrGenerateKey(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HMAC key: %w", err)
	}

	logPath := filepath.Join(cfg.Path, "audit.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	l := &Logger{
		file:         file,
		writer:       bufio.NewWriter(file),
		hmacKey:      key,
		previousHash: genesisHash(),
	}

	// Resume the chain from any existing log.
	if err := l.recoverState(logPath); err != nil {
		slog.Warn("failed to recover audit chain state", "error", err)
	}

	slog.Info("audit logger initialized", "path", logPath, "sequence", l.sequence)
	return l, nil
}

// Log appends an audit entry. Failures are logged and swallowed: audit
// delivery must never fail the operation being audited.
func (l *Logger) Log(_ context.Context, actor, message string, details map[string]any, category string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		slog.Warn("audit entry dropped, logger closed", "message", message)
		return
	}

	l.sequence++
	entry := Entry{
		ID:           uuid.NewString(),
		Sequence:     l.sequence,
		Timestamp:    time.Now().UTC(),
		Actor:        actor,
		Message:      message,
		Category:     category,
		Details:      details,
		PreviousHash: l.previousHash,
	}
	entry.sign(l.hmacKey)

	line, err := json.Marshal(&entry)
	if err != nil {
		slog.Error("failed to marshal audit entry", "error", err)
		return
	}
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		slog.Error("failed to write audit entry", "error", err)
		return
	}
	if err := l.writer.Flush(); err != nil {
		slog.Error("failed to flush audit entry", "error", err)
		return
	}

	l.previousHash = entry.EntryHash
}

// Close flushes and closes the underlying log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoggerClosed
	}
	l.closed = true
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// Verify reads the log back and checks every entry's signature and chain
// link. Returns the number of verified entries.
func (l *Logger) Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	previous := genesisHash()
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return count, fmt.Errorf("entry %d: %w", count+1, err)
		}
		if entry.PreviousHash != previous {
			return count, fmt.Errorf("entry %d: %w", entry.Sequence, ErrChainBroken)
		}
		if !entry.verify(l.hmacKey) {
			return count, fmt.Errorf("entry %d: %w", entry.Sequence, ErrBadSignature)
		}
		previous = entry.EntryHash
		count++
	}
	return count, scanner.Err()
}

// recoverState resumes sequence and chain hash from the last entry of an
// existing log file.
func (l *Logger) recoverState(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var last *Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		last = &entry
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	if last != nil {
		l.sequence = last.Sequence
		l.previousHash = last.EntryHash
	}
	return nil
}

func genesisHash() string {
	h := sha256.Sum256([]byte("sentinel-audit-genesis"))
	return hex.EncodeToString(h[:])
}

// loadOrGenerateKey loads the HMAC key from the audit directory, generating
// and persisting a new one on first use.
func loadOrGenerateKey(dir string) ([]byte, error) {
	keyPath := filepath.Join(dir, ".hmac_key")

	if data, err := os.ReadFile(keyPath); err == nil && len(data) == 32 {
		return data, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
