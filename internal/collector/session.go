package collector

import (
	"time"

	"github.com/google/uuid"
)

// session holds the identity and running metrics of one tracked activity span.
// At most one session is active per collector; all mutation happens under the
// collector mutex.
type session struct {
	id          string
	userID      string
	creatorID   string
	channelID   string
	sessionType string
	metadata    Fields

	startedAt time.Time
	endedAt   time.Time
	duration  time.Duration

	video   []VideoSample
	audio   []AudioSample
	network []NetworkSample

	revenue      RevenueTotals
	technical    TechnicalTotals
	interactions []Interaction

	// totalEvents counts every event that entered the queue for this session,
	// whether ultimately sent or lost.
	totalEvents int
}

func newSession(userID, creatorID, channelID, sessionType string, metadata Fields, startedAt time.Time) *session {
	return &session{
		id:          uuid.NewString(),
		userID:      userID,
		creatorID:   creatorID,
		channelID:   channelID,
		sessionType: sessionType,
		metadata:    metadata,
		startedAt:   startedAt,
	}
}

func (s *session) active() bool {
	return s != nil && s.endedAt.IsZero()
}

// end stamps the end time and computes the immutable duration.
func (s *session) end(now time.Time) {
	s.endedAt = now
	s.duration = now.Sub(s.startedAt)
}

// applyMetrics appends the update's samples and bumps technical counters.
// Counters are monotonically non-decreasing and sample series append-only.
func (s *session) applyMetrics(u MetricsUpdate) {
	if u.Video != nil {
		s.video = append(s.video, *u.Video)
	}
	if u.Audio != nil {
		s.audio = append(s.audio, *u.Audio)
	}
	if u.Network != nil {
		s.network = append(s.network, *u.Network)
	}
	if u.Reconnected {
		s.technical.Reconnects++
	}
	if u.FellBack {
		s.technical.Fallbacks++
	}
	if u.Error != nil {
		s.technical.Errors = append(s.technical.Errors, *u.Error)
	}
}

// applyRevenue folds one monetization observation into the running totals.
// Any amount counts toward tokens; tips additionally feed the tip subtotal.
func (s *session) applyRevenue(r RevenueUpdate) {
	s.revenue.Tokens += r.Amount
	s.revenue.USD += r.USDValue
	if r.Type == "tip" {
		s.revenue.Tips += r.Amount
	}
}

func (s *session) addInteraction(kind string, at time.Time, data Fields) {
	s.interactions = append(s.interactions, Interaction{Type: kind, Timestamp: at, Data: data})
}

// snapshot copies the current metrics state for inclusion in a batch. The
// sample slices are copied so in-flight batches are unaffected by later growth.
func (s *session) snapshot() MetricsSnapshot {
	if s == nil {
		return MetricsSnapshot{}
	}
	snap := MetricsSnapshot{
		SessionID:    s.id,
		SessionType:  s.sessionType,
		StartedAt:    s.startedAt,
		Revenue:      s.revenue,
		Interactions: len(s.interactions),
	}
	snap.Video = append(snap.Video, s.video...)
	snap.Audio = append(snap.Audio, s.audio...)
	snap.Network = append(snap.Network, s.network...)
	snap.Technical = TechnicalTotals{
		Reconnects: s.technical.Reconnects,
		Fallbacks:  s.technical.Fallbacks,
		Errors:     append([]ErrorRecord(nil), s.technical.Errors...),
	}
	return snap
}
