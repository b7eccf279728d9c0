package phone

import (
	"fmt"
	"os"
	"strings"

	"github.com/cloudwebrtc/go-unistim/pkg/unistim"
)

// Call-history files hold a 1-byte record count followed by HistoryMax
// fixed-width records of three display-line fields each, so the browser can
// seek without parsing. The file is always written at full size.
const (
	HistoryMax       = 30
	historyFieldLen  = unistim.TextLengthMax
	historyRecordLen = 3 * historyFieldLen
	historyFileSize  = 1 + HistoryMax*historyRecordLen
)

// Direction selects one of the two per-device history files.
type Direction int

const (
	DirIncoming Direction = iota
	DirOutgoing
)

func (d Direction) String() string {
	if d == DirIncoming {
		return "incoming"
	}
	return "outgoing"
}

// HistoryEntry is one call record: timestamp line, caller number, caller
// name, each clipped to the display width.
type HistoryEntry struct {
	When   string
	Number string
	Name   string
}

func historyPath(dir, deviceName string, d Direction) string {
	return fmt.Sprintf("%s/%s-%s.hist", dir, deviceName, d)
}

// ReadHistory loads the entries of one history file, newest first. A
// missing file, a size mismatch or a bad count header all mean "no
// history", never an error.
func ReadHistory(path string) []HistoryEntry {
	buf, err := os.ReadFile(path)
	if err != nil || len(buf) != historyFileSize {
		return nil
	}
	count := int(buf[0])
	if count > HistoryMax {
		return nil
	}
	entries := make([]HistoryEntry, 0, count)
	for i := 0; i < count; i++ {
		rec := buf[1+i*historyRecordLen:]
		entries = append(entries, HistoryEntry{
			When:   strings.TrimRight(string(rec[:historyFieldLen]), " "),
			Number: strings.TrimRight(string(rec[historyFieldLen:2*historyFieldLen]), " "),
			Name:   strings.TrimRight(string(rec[2*historyFieldLen:3*historyFieldLen]), " "),
		})
	}
	return entries
}

// AppendHistory prepends one entry, dropping the oldest past HistoryMax,
// and rewrites the file. A corrupt existing file is replaced wholesale.
func AppendHistory(path string, e HistoryEntry) error {
	entries := ReadHistory(path)
	entries = append([]HistoryEntry{e}, entries...)
	if len(entries) > HistoryMax {
		entries = entries[:HistoryMax]
	}

	buf := make([]byte, historyFileSize)
	for i := range buf {
		buf[i] = ' '
	}
	buf[0] = byte(len(entries))
	for i, entry := range entries {
		rec := buf[1+i*historyRecordLen:]
		putField(rec[:historyFieldLen], entry.When)
		putField(rec[historyFieldLen:2*historyFieldLen], entry.Number)
		putField(rec[2*historyFieldLen:3*historyFieldLen], entry.Name)
	}
	return os.WriteFile(path, buf, 0o644)
}

func putField(dst []byte, s string) {
	if len(s) > len(dst) {
		s = s[:len(dst)]
	}
	copy(dst, s)
}
