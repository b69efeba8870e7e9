package collector

import "time"

// Fields carries free-form payload data attached to events and interactions.
// Each event type defines its own payload shape; the pipeline treats it as opaque.
type Fields map[string]any

// Environment captures client context at event creation time.
type Environment struct {
	Agent          string `json:"agent,omitempty"`
	ViewportWidth  int    `json:"viewportWidth,omitempty"`
	ViewportHeight int    `json:"viewportHeight,omitempty"`
}

// Event is one discrete observation. Immutable once created; it lives in the
// queue until it is part of a successfully transmitted batch or dropped after
// retry exhaustion.
type Event struct {
	Type      string       `json:"eventType"`
	SessionID string       `json:"sessionId"`
	UserID    string       `json:"userId"`
	CreatorID string       `json:"creatorId"`
	Timestamp time.Time    `json:"timestamp"`
	Data      Fields       `json:"data,omitempty"`
	Context   *Environment `json:"context,omitempty"`
}

// VideoSample is one video-quality observation.
type VideoSample struct {
	Timestamp time.Time `json:"timestamp"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	FrameRate float64   `json:"frameRate"`
	Bitrate   float64   `json:"bitrate"`
}

// AudioSample is one audio-quality observation.
type AudioSample struct {
	Timestamp  time.Time `json:"timestamp"`
	Bitrate    float64   `json:"bitrate"`
	SampleRate float64   `json:"sampleRate"`
	Volume     float64   `json:"volume"`
}

// NetworkSample is one network-quality observation.
type NetworkSample struct {
	Timestamp  time.Time `json:"timestamp"`
	RTT        float64   `json:"rtt"`
	PacketLoss float64   `json:"packetLoss"`
	Uplink     float64   `json:"uplink"`
	Downlink   float64   `json:"downlink"`
}

// MetricsUpdate carries one quality/technical observation into the session
// accumulator. Only non-nil samples are recorded.
type MetricsUpdate struct {
	Video       *VideoSample
	Audio       *AudioSample
	Network     *NetworkSample
	Reconnected bool
	FellBack    bool
	Error       *ErrorRecord
}

// ErrorRecord is one technical error observed during a session.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
}

// RevenueUpdate is one monetization observation (tip, gift, subscription).
type RevenueUpdate struct {
	Type     string  `json:"type"`
	Amount   float64 `json:"amount"`
	USDValue float64 `json:"usdValue"`
}

// RevenueTotals is the running revenue accumulator for a session.
type RevenueTotals struct {
	Tokens float64 `json:"tokens"`
	USD    float64 `json:"usd"`
	Tips   float64 `json:"tips"`
}

// TechnicalTotals is the running technical accumulator for a session.
type TechnicalTotals struct {
	Reconnects int           `json:"reconnects"`
	Fallbacks  int           `json:"fallbacks"`
	Errors     []ErrorRecord `json:"errors,omitempty"`
}

// Interaction is one (type, timestamp, payload) entry in the interaction log.
type Interaction struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      Fields    `json:"data,omitempty"`
}

// MetricsSnapshot is the session-metrics state captured when a batch is built.
type MetricsSnapshot struct {
	SessionID    string          `json:"sessionId"`
	SessionType  string          `json:"sessionType,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	Video        []VideoSample   `json:"video,omitempty"`
	Audio        []AudioSample   `json:"audio,omitempty"`
	Network      []NetworkSample `json:"network,omitempty"`
	Revenue      RevenueTotals   `json:"revenue"`
	Technical    TechnicalTotals `json:"technical"`
	Interactions int             `json:"interactions"`
}

// Batch is one transmission unit: the queued events plus a metrics snapshot.
// A fresh id is generated for every attempt.
type Batch struct {
	ID             string          `json:"batchId"`
	Events         []Event         `json:"events"`
	SessionMetrics MetricsSnapshot `json:"sessionMetrics"`
}

// Kind selects a quality time-series.
type Kind string

const (
	KindVideo   Kind = "video"
	KindAudio   Kind = "audio"
	KindNetwork Kind = "network"
)

// QualityAverage holds arithmetic means over one quality series. Only the
// fields belonging to the series' kind are populated.
type QualityAverage struct {
	Kind        Kind    `json:"kind"`
	SampleCount int     `json:"sampleCount"`
	FrameRate   float64 `json:"frameRate,omitempty"`
	Bitrate     float64 `json:"bitrate,omitempty"`
	SampleRate  float64 `json:"sampleRate,omitempty"`
	Volume      float64 `json:"volume,omitempty"`
	RTT         float64 `json:"rtt,omitempty"`
	PacketLoss  float64 `json:"packetLoss,omitempty"`
	Uplink      float64 `json:"uplink,omitempty"`
	Downlink    float64 `json:"downlink,omitempty"`
}

// Summary is the computed roll-up of a session, carried on the session_ended
// event and returned by SessionSummary.
type Summary struct {
	SessionID    string          `json:"sessionId"`
	Duration     time.Duration   `json:"duration"`
	Events       int             `json:"events"`
	Revenue      RevenueTotals   `json:"revenue"`
	Interactions int             `json:"interactions"`
	Technical    TechnicalTotals `json:"technical"`
	Video        *QualityAverage `json:"video,omitempty"`
	Audio        *QualityAverage `json:"audio,omitempty"`
	Network      *QualityAverage `json:"network,omitempty"`
}
