package ledger

// Severity classifies how far a scored measurement deviates from baseline.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a raw string onto a known severity. Unrecognized
// values fall back to low so a bad producer can never escalate an alert.
func ParseSeverity(raw string) Severity {
	switch Severity(raw) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(raw)
	default:
		return SeverityLow
	}
}

// AnomalyScore is one scored measurement produced by the anomaly detector.
// Immutable once constructed.
type AnomalyScore struct {
	Value      float64                `json:"value"`
	Score      float64                `json:"score"`
	Severity   Severity               `json:"severity"`
	Deviation  float64                `json:"deviation"`
	Percentile string                 `json:"percentile"`
	IsAnomaly  bool                   `json:"isAnomaly"`
	Timestamp  int64                  `json:"timestamp"`
	Message    string                 `json:"message,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Alert is one ledger entry. Resolution is modeled as a new entry carrying
// the same ID with IsResolved set; the original entry is never edited.
type Alert struct {
	ID           string       `json:"id"`
	Metric       string       `json:"metric"`
	AnomalyScore AnomalyScore `json:"anomalyScore"`
	Severity     Severity     `json:"severity"`
	Message      string       `json:"message"`
	Timestamp    int64        `json:"timestamp"`
	IsResolved   bool         `json:"isResolved"`
	ResolvedAt   int64        `json:"resolvedAt,omitempty"`
	ResolvedBy   string       `json:"resolvedBy,omitempty"`
}

// TimeRange bounds a history query, epoch milliseconds inclusive.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// History is the result of a windowed alert query. Counts are derived from
// the returned alerts, not stored.
type History struct {
	Alerts        []Alert   `json:"alerts"`
	TotalCount    int       `json:"totalCount"`
	CriticalCount int       `json:"criticalCount"`
	HighCount     int       `json:"highCount"`
	TimeRange     TimeRange `json:"timeRange"`
}

// Stats aggregates alerts by severity and resolution state over a window.
type Stats struct {
	Total      int `json:"total"`
	Critical   int `json:"critical"`
	High       int `json:"high"`
	Medium     int `json:"medium"`
	Low        int `json:"low"`
	Resolved   int `json:"resolved"`
	Unresolved int `json:"unresolved"`
}
