package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tlgselvi/dese-backbone/pkg/logging"
)

const (
	logFileName = "remediation.log"

	// replayLimit caps how much history a replay returns; the file grows
	// until externally rotated.
	replayLimit = 50
)

// Event is one remediation decision or execution, appended to a local
// file-backed journal and never mutated.
type Event struct {
	Timestamp int64  `json:"timestamp"`
	Metric    string `json:"metric"`
	Action    string `json:"action"`
	Severity  string `json:"severity,omitempty"`
	Status    string `json:"status"`
}

// Journal is an append-only JSON-lines audit log of remediation actions,
// independent of the alert ledger.
type Journal struct {
	path   string
	logger logging.Logger
}

// New creates a journal under dir, creating the directory on first use and
// falling back to the OS temp directory when dir is not writable.
func New(dir string, logger logging.Logger) *Journal {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fallback := filepath.Join(os.TempDir(), "dese-remediation")
		logger.WithError(err).WithFields(logging.Fields{
			"dir":      dir,
			"fallback": fallback,
		}).Warn("Journal directory not writable, using fallback")
		if err := os.MkdirAll(fallback, 0o755); err != nil {
			logger.WithError(err).Warn("Fallback journal directory not writable")
		}
		dir = fallback
	}

	return &Journal{
		path:   filepath.Join(dir, logFileName),
		logger: logger,
	}
}

// SuggestAction maps a severity onto canned remediation text. Pure; no side
// effects.
func SuggestAction(metric, severity string) string {
	switch severity {
	case "high":
		return fmt.Sprintf("Restart service backing %s and verify recovery", metric)
	case "medium":
		return fmt.Sprintf("Scale out capacity for %s", metric)
	default:
		return fmt.Sprintf("Monitor %s for further deviation", metric)
	}
}

// Record appends one event as a JSON line. Write failures are logged, never
// returned: journaling must never block the remediation action itself.
func (j *Journal) Record(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		j.logger.WithError(err).Warn("Failed to encode remediation event")
		return
	}

	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		j.logger.WithError(err).WithField("path", j.path).Warn("Failed to open remediation journal")
		return
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		j.logger.WithError(err).WithField("path", j.path).Warn("Failed to append remediation event")
	}
}

// Replay returns the most recent events in file order, capped at 50. A
// missing file yields an empty result; corrupt lines are skipped
// individually.
func (j *Journal) Replay() []Event {
	file, err := os.Open(j.path)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.WithError(err).WithField("path", j.path).Warn("Failed to read remediation journal")
		}
		return []Event{}
	}
	defer file.Close()

	events := make([]Event, 0, replayLimit)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			j.logger.WithError(err).Warn("Skipping corrupt journal line")
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		j.logger.WithError(err).WithField("path", j.path).Warn("Failed to scan remediation journal")
	}

	if len(events) > replayLimit {
		events = events[len(events)-replayLimit:]
	}
	return events
}
