package journal

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/sys/unix"
)

// genesisMAC is the fixed prev_mac of the first record: 32 zero bytes.
var genesisMAC = make([]byte, 32)

// Record is one audit entry. Extra fields are flattened into the JSON
// object next to the named ones.
type Record struct {
	TS         string
	Actor      string
	Action     string
	Tool       string
	ArgsDigest string
	Outcome    string
	Extra      map[string]any
}

// Journal is an append-only HMAC-chained JSONL stream. The file is held
// open with an advisory lock for the life of the broker process.
type Journal struct {
	f       *os.File
	key     []byte
	prevMAC []byte
	path    string
}

// Open loads (or creates) the journal at path and the MAC key at keyPath,
// seeds the chain from the last stored mac, and takes an advisory flock so
// a second broker on the same workspace fails fast.
func Open(path, keyPath string) (*Journal, error) {
	key, err := LoadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("journal %s is locked by another broker: %w", path, err)
	}

	prev, err := lastMAC(path)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Journal{f: f, key: key, prevMAC: prev, path: path}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Close releases the lock and closes the file.
func (j *Journal) Close() error {
	if j == nil || j.f == nil {
		return nil
	}
	_ = unix.Flock(int(j.f.Fd()), unix.LOCK_UN)
	return j.f.Close()
}

// Append signs and writes one record, then flushes. A failed write is
// retried once; the second failure is returned to the caller, which is
// expected to treat it as fatal.
func (j *Journal) Append(rec Record) error {
	line, mac, err := j.seal(rec)
	if err != nil {
		return err
	}

	if err := j.writeLine(line); err != nil {
		if err2 := j.writeLine(line); err2 != nil {
			return fmt.Errorf("journal append failed twice: %w", err2)
		}
	}
	j.prevMAC = mac
	return nil
}

func (j *Journal) writeLine(line []byte) error {
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		return err
	}
	return j.f.Sync()
}

// seal produces the canonical signed line and the new chain head.
func (j *Journal) seal(rec Record) ([]byte, []byte, error) {
	obj := rec.object()
	obj["prev_mac"] = hex.EncodeToString(j.prevMAC)

	mac, err := chainMAC(j.key, j.prevMAC, obj)
	if err != nil {
		return nil, nil, err
	}
	obj["mac"] = hex.EncodeToString(mac)

	line, err := json.Marshal(obj)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding journal record: %w", err)
	}
	return line, mac, nil
}

func (rec Record) object() map[string]any {
	obj := make(map[string]any, len(rec.Extra)+6)
	for k, v := range rec.Extra {
		obj[k] = v
	}
	obj["ts"] = rec.TS
	obj["actor"] = rec.Actor
	obj["action"] = rec.Action
	if rec.Tool != "" {
		obj["tool"] = rec.Tool
	}
	if rec.ArgsDigest != "" {
		obj["args_digest"] = rec.ArgsDigest
	}
	if rec.Outcome != "" {
		obj["outcome"] = rec.Outcome
	}
	return obj
}

// chainMAC computes HMAC(key, prev_mac || canonical(record_without_mac)).
// Canonicalization is RFC 8785 so verification is byte-stable across
// encoders.
func chainMAC(key, prev []byte, obj map[string]any) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding record for mac: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing record: %w", err)
	}
	h := hmac.New(sha256.New, key)
	h.Write(prev)
	h.Write(canonical)
	return h.Sum(nil), nil
}

// Digest returns the hex sha256 of a payload, used for args_digest fields.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LoadOrCreateKey reads the MAC key, creating a fresh 32-byte one when the
// file is missing or too short.
func LoadOrCreateKey(path string) ([]byte, error) {
	if key, err := os.ReadFile(path); err == nil && len(key) >= 32 {
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating mac key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing mac key: %w", err)
	}
	return key, nil
}

// lastMAC scans the journal and returns the mac of the final record, or the
// genesis value for a missing or empty file.
func lastMAC(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesisMAC, nil
		}
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning journal: %w", err)
	}
	if last == "" {
		return genesisMAC, nil
	}

	var obj struct {
		MAC string `json:"mac"`
	}
	if err := json.Unmarshal([]byte(last), &obj); err != nil {
		return nil, fmt.Errorf("parsing last journal record: %w", err)
	}
	mac, err := hex.DecodeString(obj.MAC)
	if err != nil || len(mac) != 32 {
		return nil, fmt.Errorf("last journal record has malformed mac %q", obj.MAC)
	}
	return mac, nil
}
