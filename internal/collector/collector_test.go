package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type sinkCall struct {
	batch Batch
	token string
}

// fakeSink records transmissions and fails the first `failures` calls.
type fakeSink struct {
	mu       sync.Mutex
	failures int
	calls    []sinkCall
	sent     chan sinkCall
}

func newFakeSink(failures int) *fakeSink {
	return &fakeSink{failures: failures, sent: make(chan sinkCall, 64)}
}

func (f *fakeSink) Send(_ context.Context, batch Batch, token string) error {
	f.mu.Lock()
	call := sinkCall{batch: batch, token: token}
	f.calls = append(f.calls, call)
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	f.sent <- call
	if fail {
		return errors.New("sink unavailable")
	}
	return nil
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type CollectorTestSuite struct {
	suite.Suite
	clk     *clock.Mock
	sink    *fakeSink
	col     *Collector
	flushed chan int
	lost    chan int
}

func TestCollectorSuite(t *testing.T) {
	suite.Run(t, new(CollectorTestSuite))
}

func (s *CollectorTestSuite) SetupTest() {
	s.newCollector(0)
}

func (s *CollectorTestSuite) TearDownTest() {
	s.col.Close()
}

// newCollector rebuilds the collector under test with a sink scripted to fail
// the first `sinkFailures` transmissions.
func (s *CollectorTestSuite) newCollector(sinkFailures int) {
	s.clk = clock.NewMock()
	s.sink = newFakeSink(sinkFailures)
	s.flushed = make(chan int, 16)
	s.lost = make(chan int, 16)
	s.col = New(Config{
		BatchSize:       10,
		FlushInterval:   5 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    time.Second,
		RateLimitWindow: 100 * time.Millisecond,
	}, WithClock(s.clk), WithSink(s.sink), WithLogger(zap.NewNop()))
	s.col.On(EventsFlushed, func(p any) { s.flushed <- p.(int) })
	s.col.On(EventsLost, func(p any) { s.lost <- p.(int) })
}

func (s *CollectorTestSuite) initSession() {
	s.Require().True(s.col.InitSession("u1", "c1", "ch1", "video_call", nil))
}

// drainStartEvent flushes the queued session_started event so tests begin with
// an empty queue.
func (s *CollectorTestSuite) drainStartEvent() {
	s.col.TrackEventImmediate("warmup", nil)
	s.waitSend()
	s.waitFlushed()
}

func (s *CollectorTestSuite) waitSend() sinkCall {
	select {
	case call := <-s.sink.sent:
		return call
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for a transmission")
		return sinkCall{}
	}
}

func (s *CollectorTestSuite) waitFlushed() int {
	select {
	case n := <-s.flushed:
		return n
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for events_flushed")
		return 0
	}
}

func (s *CollectorTestSuite) waitLost() int {
	select {
	case n := <-s.lost:
		return n
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for events_lost")
		return 0
	}
}

func (s *CollectorTestSuite) assertNoSend() {
	select {
	case call := <-s.sink.sent:
		s.Failf("unexpected transmission", "batch %s with %d events", call.batch.ID, len(call.batch.Events))
	case <-time.After(100 * time.Millisecond):
	}
}

// waitRetryScheduled blocks until the transmit goroutine has armed the retry
// timer, so advancing the mock clock actually fires it.
func (s *CollectorTestSuite) waitRetryScheduled() {
	s.Require().Eventually(func() bool {
		return s.col.Status().PendingRetries > 0
	}, 2*time.Second, 5*time.Millisecond)
}

// tick advances the limiter past its window without reaching the flush interval.
func (s *CollectorTestSuite) tick() {
	s.clk.Add(200 * time.Millisecond)
}

func (s *CollectorTestSuite) TestInitSessionRejectsMissingIdentity() {
	s.False(s.col.InitSession("", "c1", "ch1", "video_call", nil))
	s.False(s.col.InitSession("u1", "", "ch1", "video_call", nil))
	s.False(s.col.InitSession("u1", "c1", "", "video_call", nil))

	st := s.col.Status()
	s.False(st.SessionActive)
	s.Zero(st.QueueLength)
}

func (s *CollectorTestSuite) TestInitSessionQueuesStartEvent() {
	s.initSession()

	st := s.col.Status()
	s.True(st.SessionActive)
	s.NotEmpty(st.SessionID)
	s.Equal(1, st.QueueLength)
	s.Equal(1, st.TotalEvents)
}

func (s *CollectorTestSuite) TestRevenueAccumulation() {
	s.initSession()

	s.col.TrackRevenue(RevenueUpdate{Type: "tip", Amount: 50, USDValue: 2.5})

	summary := s.col.SessionSummary()
	s.Equal(50.0, summary.Revenue.Tokens)
	s.Equal(50.0, summary.Revenue.Tips)
	s.Equal(2.5, summary.Revenue.USD)

	s.col.EndSession("normal")
	s.waitSend()

	summary = s.col.SessionSummary()
	s.Equal(50.0, summary.Revenue.Tokens)
	s.Equal(50.0, summary.Revenue.Tips)
}

func (s *CollectorTestSuite) TestNonTipRevenueSkipsTipSubtotal() {
	s.initSession()

	s.col.TrackRevenue(RevenueUpdate{Type: "subscription", Amount: 100, USDValue: 5})

	summary := s.col.SessionSummary()
	s.Equal(100.0, summary.Revenue.Tokens)
	s.Zero(summary.Revenue.Tips)
}

func (s *CollectorTestSuite) TestBatchSizeTriggersFlush() {
	s.initSession()
	s.drainStartEvent()

	for i := 0; i < 12; i++ {
		s.tick()
		s.col.TrackEvent("quality_report", Fields{"seq": i})
	}

	call := s.waitSend()
	s.Len(call.batch.Events, 10)
	s.Equal(10, s.waitFlushed())
	s.Equal(2, s.col.Status().QueueLength)
	s.assertNoSend()
}

func (s *CollectorTestSuite) TestSchedulerFlushesPartialQueue() {
	s.initSession()

	// One queued event (session_started), below the batch threshold.
	s.clk.Add(5 * time.Second)

	call := s.waitSend()
	s.Len(call.batch.Events, 1)
	s.Equal("session_started", call.batch.Events[0].Type)
}

func (s *CollectorTestSuite) TestSchedulerSkipsEmptyQueue() {
	s.initSession()
	s.drainStartEvent()

	s.clk.Add(5 * time.Second)
	s.assertNoSend()
}

func (s *CollectorTestSuite) TestFIFOPreservedAcrossRetry() {
	s.newCollector(1)
	s.initSession()

	s.tick()
	s.col.TrackEvent("a", nil)
	s.tick()
	s.col.TrackEvent("b", nil)

	// Timer flush picks up [session_started, a, b] and fails once.
	s.clk.Add(5 * time.Second)
	first := s.waitSend()
	s.Len(first.batch.Events, 3)
	s.waitRetryScheduled()

	// New events tracked while the retry is pending must follow the re-queued ones.
	s.tick()
	s.col.TrackEvent("c", nil)
	s.tick()
	s.col.TrackEvent("d", nil)

	s.clk.Add(time.Second)
	second := s.waitSend()

	types := make([]string, 0, len(second.batch.Events))
	for _, e := range second.batch.Events {
		types = append(types, e.Type)
	}
	s.Equal([]string{"session_started", "a", "b", "c", "d"}, types)
	s.NotEqual(first.batch.ID, second.batch.ID)
	s.Equal(5, s.waitFlushed())
	s.Zero(s.col.Status().QueueLength)
}

func (s *CollectorTestSuite) TestRetryBackoffTiming() {
	s.newCollector(2)
	s.initSession()

	s.clk.Add(5 * time.Second)
	s.waitSend()
	s.waitRetryScheduled()

	// First retry waits a full second.
	s.clk.Add(999 * time.Millisecond)
	s.assertNoSend()
	s.clk.Add(1 * time.Millisecond)
	s.waitSend()
	s.waitRetryScheduled()

	// Second retry doubles the delay.
	s.clk.Add(1999 * time.Millisecond)
	s.assertNoSend()
	s.clk.Add(1 * time.Millisecond)
	s.waitSend()

	s.Equal(1, s.waitFlushed())
	s.Equal(3, s.sink.callCount())
}

func (s *CollectorTestSuite) TestRetryExhaustionDropsBatch() {
	s.newCollector(10)
	s.initSession()

	s.tick()
	s.col.TrackEvent("a", nil)

	s.clk.Add(5 * time.Second)
	s.waitSend()

	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		s.waitRetryScheduled()
		s.clk.Add(delay)
		s.waitSend()
	}

	s.Equal(2, s.waitLost())
	s.Equal(4, s.sink.callCount())
	s.Zero(s.col.Status().PendingRetries)
	s.Zero(s.col.Status().QueueLength)

	// No further attempts for the dropped batch.
	s.clk.Add(time.Minute)
	s.assertNoSend()
}

func (s *CollectorTestSuite) TestRateLimiterDropsBurst() {
	s.initSession()
	before := s.col.Status().TotalEvents

	for i := 0; i < 5; i++ {
		s.col.TrackEvent("mouse_move", Fields{"seq": i})
	}
	s.Equal(before+1, s.col.Status().TotalEvents)

	s.clk.Add(100 * time.Millisecond)
	s.col.TrackEvent("mouse_move", nil)
	s.Equal(before+2, s.col.Status().TotalEvents)
}

func (s *CollectorTestSuite) TestImmediateBypassesLimiterAndThreshold() {
	s.initSession()

	s.col.TrackEvent("click", nil)
	// Still inside the limiter window; the immediate path must not be throttled.
	s.col.TrackEventImmediate("purchase", Fields{"sku": "boost"})

	call := s.waitSend()
	types := make([]string, 0, len(call.batch.Events))
	for _, e := range call.batch.Events {
		types = append(types, e.Type)
	}
	s.Equal([]string{"session_started", "click", "purchase"}, types)
}

func (s *CollectorTestSuite) TestEndSessionFlushesAndStopsScheduler() {
	s.initSession()
	s.tick()
	s.col.TrackEvent("a", nil)

	s.col.EndSession("normal")

	call := s.waitSend()
	last := call.batch.Events[len(call.batch.Events)-1]
	s.Equal("session_ended", last.Type)
	s.Equal("normal", last.Data["reason"])
	s.waitFlushed()

	// No scheduler firings after teardown.
	s.clk.Add(30 * time.Second)
	s.assertNoSend()
	s.False(s.col.Status().SessionActive)
}

func (s *CollectorTestSuite) TestEndSessionIdempotent() {
	s.initSession()
	s.col.EndSession("normal")
	s.waitSend()

	total := s.col.Status().TotalEvents
	s.col.EndSession("normal")
	s.col.EndSession("again")
	s.Equal(total, s.col.Status().TotalEvents)
}

func (s *CollectorTestSuite) TestTrackingNoopWithoutSession() {
	s.col.TrackEvent("orphan", nil)
	s.col.TrackRevenue(RevenueUpdate{Amount: 10})
	s.col.TrackInteraction("click", nil)

	s.Zero(s.col.Status().QueueLength)
}

func (s *CollectorTestSuite) TestSetEnabledPausesPipeline() {
	s.initSession()
	s.tick()
	s.col.TrackEvent("a", nil)

	s.col.SetEnabled(false)
	s.tick()
	s.col.TrackEvent("dropped", nil)
	s.Equal(2, s.col.Status().QueueLength)

	// Scheduler is stopped while disabled; queued events stay put.
	s.clk.Add(30 * time.Second)
	s.assertNoSend()

	s.col.SetEnabled(true)
	s.clk.Add(5 * time.Second)
	call := s.waitSend()
	s.Len(call.batch.Events, 2)
}

func (s *CollectorTestSuite) TestSupersededSessionEndsExplicitly() {
	s.initSession()
	firstID := s.col.Status().SessionID

	s.Require().True(s.col.InitSession("u2", "c2", "ch2", "video_call", nil))
	secondID := s.col.Status().SessionID
	s.NotEqual(firstID, secondID)
	s.True(s.col.Status().SessionActive)

	// The superseded session's final flush carries its session_ended event.
	call := s.waitSend()
	last := call.batch.Events[len(call.batch.Events)-1]
	s.Equal("session_ended", last.Type)
	s.Equal("superseded", last.Data["reason"])
	s.Equal(firstID, last.SessionID)
}

func (s *CollectorTestSuite) TestSessionMetricsTravelWithBatch() {
	s.initSession()
	s.col.TrackSessionMetrics(MetricsUpdate{
		Video:       &VideoSample{Timestamp: s.clk.Now(), Width: 1280, Height: 720, FrameRate: 30, Bitrate: 2500},
		Reconnected: true,
	})
	s.col.TrackSessionMetrics(MetricsUpdate{
		Network: &NetworkSample{Timestamp: s.clk.Now(), RTT: 40, PacketLoss: 0.5},
		Error:   &ErrorRecord{Timestamp: s.clk.Now(), Type: "media", Message: "decoder stall"},
	})

	s.clk.Add(5 * time.Second)
	call := s.waitSend()

	metrics := call.batch.SessionMetrics
	s.Len(metrics.Video, 1)
	s.Len(metrics.Network, 1)
	s.Equal(1, metrics.Technical.Reconnects)
	s.Len(metrics.Technical.Errors, 1)
	// Metrics are an accumulator, not queued entities.
	s.Len(call.batch.Events, 1)
}

func (s *CollectorTestSuite) TestInteractionsRecorded() {
	s.initSession()
	s.col.TrackInteraction("chat_message", Fields{"length": 42})
	s.col.TrackInteraction("reaction", Fields{"emoji": "fire"})

	summary := s.col.SessionSummary()
	s.Equal(2, summary.Interactions)
	s.Equal(3, s.col.Status().TotalEvents)
}

func (s *CollectorTestSuite) TestPageViewAndConversion() {
	s.initSession()
	s.col.TrackPageView("creator_profile", Fields{"ref": "home"})
	s.col.TrackConversion("subscription", 9.99, nil)

	s.col.EndSession("normal")
	call := s.waitSend()

	types := make([]string, 0, len(call.batch.Events))
	for _, e := range call.batch.Events {
		types = append(types, e.Type)
	}
	s.Equal([]string{"session_started", "page_view", "conversion", "session_ended"}, types)
	s.Equal("creator_profile", call.batch.Events[1].Data["page"])
	s.Equal(9.99, call.batch.Events[2].Data["value"])
}

func (s *CollectorTestSuite) TestTokenAttachedWhenAvailable() {
	s.newCollector(0)
	s.col.tokens = StaticToken("secret-token")
	s.initSession()

	s.col.TrackEventImmediate("ping", nil)
	call := s.waitSend()
	s.Equal("secret-token", call.token)
}

func (s *CollectorTestSuite) TestTokenFailureDegradesToUnauthenticated() {
	s.newCollector(0)
	s.col.tokens = TokenFunc(func(context.Context) (string, error) {
		return "", errors.New("auth service down")
	})
	s.initSession()

	s.col.TrackEventImmediate("ping", nil)
	call := s.waitSend()
	s.Empty(call.token)
	s.waitFlushed()
}

func (s *CollectorTestSuite) TestCloseStopsEverything() {
	s.initSession()
	s.col.Close()
	s.waitSend()

	s.clk.Add(time.Minute)
	s.assertNoSend()
	s.False(s.col.InitSession("u1", "c1", "ch1", "video_call", nil))
}

func (s *CollectorTestSuite) TestEventsCarrySessionIdentity() {
	s.initSession()
	sessionID := s.col.Status().SessionID

	s.col.TrackEventImmediate("ping", Fields{"n": 1})
	call := s.waitSend()

	for _, e := range call.batch.Events {
		s.Equal(sessionID, e.SessionID)
		s.Equal("u1", e.UserID)
		s.Equal("c1", e.CreatorID)
	}
}
