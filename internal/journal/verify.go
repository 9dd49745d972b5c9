package journal

import (
	"bufio"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// VerifyError reports the first record whose chain check failed.
type VerifyError struct {
	Line   int
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("journal record %d: %s", e.Line, e.Reason)
}

// Verify replays the whole journal from genesis, recomputing every MAC.
// It returns the number of valid records; on divergence the error names the
// first bad line.
func Verify(path string, key []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	prev := genesisMAC
	count := 0
	lineNo := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return count, &VerifyError{Line: lineNo, Reason: fmt.Sprintf("invalid json: %v", err)}
		}

		storedPrev, _ := obj["prev_mac"].(string)
		if storedPrev != hex.EncodeToString(prev) {
			return count, &VerifyError{Line: lineNo, Reason: "prev_mac does not chain"}
		}
		storedMAC, _ := obj["mac"].(string)
		want, err := hex.DecodeString(storedMAC)
		if err != nil || len(want) != 32 {
			return count, &VerifyError{Line: lineNo, Reason: "malformed mac"}
		}

		delete(obj, "mac")
		got, err := chainMAC(key, prev, obj)
		if err != nil {
			return count, &VerifyError{Line: lineNo, Reason: err.Error()}
		}
		if !hmac.Equal(got, want) {
			return count, &VerifyError{Line: lineNo, Reason: "mac mismatch"}
		}

		prev = want
		count++
	}
	if err := sc.Err(); err != nil {
		return count, fmt.Errorf("scanning journal: %w", err)
	}
	return count, nil
}
