package audit

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// VerifyResult reports on chain verification.
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify walks every record from the chain anchor and checks sequence
// numbers, back links and HMACs.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrNoHMACKey
	}
	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true, RecordsTotal: len(events)}
	fail := func(format string, args ...interface{}) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	expectedSeq := l.state.AnchorSeq + 1
	expectedPrev := l.state.AnchorPrev
	for i := range events {
		e := &events[i]
		if e.Chain.Sequence != expectedSeq {
			fail("sequence gap at record %s: expected %d, got %d", e.ID, expectedSeq, e.Chain.Sequence)
		}
		if e.Chain.PrevHash != expectedPrev {
			fail("chain broken at record %s", e.ID)
		}
		sum, err := l.recordHMAC(e)
		if err != nil {
			return nil, err
		}
		if sum != e.Chain.HMAC {
			fail("HMAC mismatch at record %s: possible tampering", e.ID)
		} else {
			result.RecordsVerified++
		}
		expectedPrev = e.Chain.HMAC
		expectedSeq = e.Chain.Sequence + 1
	}

	if len(events) > 0 && events[len(events)-1].Chain.Sequence != l.state.Sequence {
		fail("log ends at sequence %d but chain state records %d: records missing",
			events[len(events)-1].Chain.Sequence, l.state.Sequence)
	}
	return result, nil
}

// AccountID returns the identifier records use for addr. It needs the HMAC
// key.
func (l *Logger) AccountID(addr string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hmacKey == nil {
		return "", ErrNoHMACKey
	}
	return l.mac(bytes.ToLower([]byte(addr))), nil
}

// Filter selects records. Zero values match everything.
type Filter struct {
	Since     time.Time
	Until     time.Time
	Operation string
	Account   string
	Limit     int
}

func (f *Filter) match(e *Event) bool {
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.Account != "" && e.Account != f.Account {
		return false
	}
	if f.Since.IsZero() && f.Until.IsZero() {
		return true
	}
	at, err := e.Time()
	if err != nil {
		return false
	}
	if !f.Since.IsZero() && at.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && at.After(f.Until) {
		return false
	}
	return true
}

// ListEvents returns matching records in chain order. With a limit only
// the most recent records are returned.
func (l *Logger) ListEvents(f Filter) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var out []Event
	for i := range events {
		if f.match(&events[i]) {
			out = append(out, events[i])
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Export renders matching records as "json" or "csv".
func (l *Logger) Export(format string, f Filter) ([]byte, error) {
	events, err := l.ListEvents(f)
	if err != nil {
		return nil, err
	}
	switch format {
	case "json":
		if events == nil {
			events = []Event{}
		}
		return json.MarshalIndent(events, "", "  ")
	case "csv":
		return formatCSV(events)
	default:
		return nil, fmt.Errorf("%w: %s", ErrFormat, format)
	}
}

func formatCSV(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"timestamp", "operation", "result", "account", "correlation_id"}); err != nil {
		return nil, err
	}
	for _, e := range events {
		acct := e.Account
		if len(acct) > 16 {
			acct = acct[:16] + "..."
		}
		row := []string{e.Timestamp, e.Operation, e.Result, acct, e.CorrelationID}
		for i := range row {
			row[i] = csvSafe(row[i])
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// csvSafe neutralizes spreadsheet formula prefixes.
func csvSafe(field string) string {
	if field == "" {
		return field
	}
	switch field[0] {
	case '=', '+', '-', '@':
		return "'" + field
	}
	return field
}

// Prune removes records older than olderThan. Only a prefix of the chain
// is removed and the anchor moves past it, so Verify still succeeds on
// what remains.
func (l *Logger) Prune(olderThan time.Duration) (int, error) {
	return l.prune(olderThan, false)
}

// PrunePreview counts what Prune would remove.
func (l *Logger) PrunePreview(olderThan time.Duration) (int, error) {
	return l.prune(olderThan, true)
}

func (l *Logger) prune(olderThan time.Duration, dryRun bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-olderThan)
	files, err := l.logFiles()
	if err != nil {
		return 0, err
	}

	removed := 0
	var last *Event
	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return removed, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}

		n := 0
		for n < len(events) {
			at, err := events[n].Time()
			if err != nil || !at.Before(cutoff) {
				break
			}
			n++
		}
		if n == 0 {
			break
		}
		removed += n
		last = &events[n-1]
		if dryRun {
			if n < len(events) {
				break
			}
			continue
		}

		if n == len(events) {
			if err := os.Remove(file); err != nil {
				return removed, fmt.Errorf("audit: failed to delete %s: %w", file, err)
			}
			continue
		}
		if err := rewriteLogFile(file, events[n:]); err != nil {
			return removed, fmt.Errorf("audit: failed to rewrite %s: %w", file, err)
		}
		break
	}

	if !dryRun && last != nil {
		l.state.AnchorSeq = last.Chain.Sequence
		l.state.AnchorPrev = last.Chain.HMAC
		if err := l.saveChainState(); err != nil {
			return removed, err
		}
		log.WithField("records", removed).Info("pruned audit log")
	}
	return removed, nil
}

func (l *Logger) logFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM names sort chronologically.
	sort.Strings(files)
	return files, nil
}

func (l *Logger) readAll() ([]Event, error) {
	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}
	var all []Event
	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		all = append(all, events...)
	}
	return all, nil
}

func readLogFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}

func rewriteLogFile(path string, events []Event) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for i := range events {
		data, err := json.Marshal(&events[i])
		if err == nil {
			_, err = w.Write(append(data, '\n'))
		}
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
