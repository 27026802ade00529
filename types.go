package pulseboard

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Flow Types
// ============================================================================

// FlowMetrics is the server-computed metric set for one board topic.
type FlowMetrics struct {
	Throughput        float64 `json:"throughput"`
	AvgCycleTimeHours float64 `json:"avgCycleTimeHours"`
	AvgLeadTimeHours  float64 `json:"avgLeadTimeHours"`
	FlowEfficiency    float64 `json:"flowEfficiency"`
	WIPCount          int     `json:"wipCount"`
}

// Bottleneck is a detected flow bottleneck on a board stage.
type Bottleneck struct {
	ID          string `json:"id"`
	Stage       string `json:"stage"`
	Severity    string `json:"severity"`
	Description string `json:"description,omitempty"`
	DetectedAt  string `json:"detectedAt"`
}

// Suggestion is a server-generated flow optimization suggestion.
type Suggestion struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Impact      string `json:"impact,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// FlowSnapshot is the full authoritative state for one topic at a
// point in time. Snapshots are immutable once produced; every merge
// works on a copy.
type FlowSnapshot struct {
	Topic       string       `json:"topic"`
	Metrics     FlowMetrics  `json:"metrics"`
	Bottlenecks []Bottleneck `json:"bottlenecks"`
	Suggestions []Suggestion `json:"suggestions"`
	GeneratedAt string       `json:"generatedAt"`
}

// Clone returns a deep copy of the snapshot.
func (s *FlowSnapshot) Clone() *FlowSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Bottlenecks = append([]Bottleneck(nil), s.Bottlenecks...)
	out.Suggestions = append([]Suggestion(nil), s.Suggestions...)
	return &out
}

// ============================================================================
// Patch Types
// ============================================================================

// MetricsPatch overrides individual metric fields. Nil fields are left
// untouched.
type MetricsPatch struct {
	Throughput        *float64 `json:"throughput,omitempty"`
	AvgCycleTimeHours *float64 `json:"avgCycleTimeHours,omitempty"`
	AvgLeadTimeHours  *float64 `json:"avgLeadTimeHours,omitempty"`
	FlowEfficiency    *float64 `json:"flowEfficiency,omitempty"`
	WIPCount          *int     `json:"wipCount,omitempty"`
}

// SnapshotPatch is a partial overlay applied on top of a snapshot.
// Nil fields are untouched; a pointer to an empty slice replaces the
// target list with an empty one, so "clear suggestions" and "leave
// suggestions alone" stay distinguishable.
type SnapshotPatch struct {
	Metrics     *MetricsPatch `json:"metrics,omitempty"`
	Bottlenecks *[]Bottleneck `json:"bottlenecks,omitempty"`
	Suggestions *[]Suggestion `json:"suggestions,omitempty"`
	GeneratedAt *string       `json:"generatedAt,omitempty"`
}

// ============================================================================
// Push Channel Wire Types
// ============================================================================

// Envelope is the wire format for all push-channel deliveries.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server push-channel message.
type Command struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// Delivery kinds on the push channel. EventSnapshot carries a full
// FlowSnapshot; the others are incremental events merged into the last
// known snapshot.
const (
	EventSnapshot   = "flow-metrics-update"
	EventBottleneck = "bottleneck-detected"
	EventSuggestion = "optimization-suggestion"
)
