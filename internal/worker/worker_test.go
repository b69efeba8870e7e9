package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/fanlume/telemetry/internal/collector"
	"github.com/fanlume/telemetry/pkg/queue"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) InsertBatch(ctx context.Context, b collector.Batch, userID string, receivedAt time.Time) error {
	args := m.Called(ctx, b, userID, receivedAt)
	return args.Error(0)
}

type mockArchiver struct {
	mock.Mock
}

func (m *mockArchiver) ArchiveBatch(ctx context.Context, receivedAt time.Time, batchID string, raw []byte) (string, error) {
	args := m.Called(ctx, receivedAt, batchID, raw)
	return args.String(0), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Broadcast(event string, payload interface{}) {
	m.Called(event, payload)
}

type BatchProcessorTestSuite struct {
	suite.Suite
	store    *mockStore
	archiver *mockArchiver
	notifier *mockNotifier
	proc     *BatchProcessor
}

func TestBatchProcessorSuite(t *testing.T) {
	suite.Run(t, new(BatchProcessorTestSuite))
}

func (s *BatchProcessorTestSuite) SetupTest() {
	s.store = new(mockStore)
	s.archiver = new(mockArchiver)
	s.notifier = new(mockNotifier)
	s.proc = NewBatchProcessor(s.store, nil, s.archiver, s.notifier, zap.NewNop())
}

func (s *BatchProcessorTestSuite) batchJob() *queue.Job {
	batch := collector.Batch{
		ID: "b-1",
		Events: []collector.Event{
			{Type: "session_started", SessionID: "s-1", UserID: "u-1", CreatorID: "c-1", Timestamp: time.Unix(1000, 0)},
			{Type: "revenue", SessionID: "s-1", UserID: "u-1", CreatorID: "c-1", Timestamp: time.Unix(1001, 0)},
		},
		SessionMetrics: collector.MetricsSnapshot{SessionID: "s-1", StartedAt: time.Unix(1000, 0)},
	}
	raw, err := json.Marshal(batch)
	s.Require().NoError(err)

	payload, err := json.Marshal(queue.BatchPayload{
		BatchID:    "b-1",
		UserID:     "u-1",
		ReceivedAt: time.Unix(2000, 0).UTC(),
		Raw:        raw,
	})
	s.Require().NoError(err)

	return &queue.Job{ID: "job-1", Type: queue.JobTypeBatch, Payload: payload}
}

func (s *BatchProcessorTestSuite) TestProcessPersistsAndArchives() {
	s.store.On("InsertBatch", mock.Anything, mock.MatchedBy(func(b collector.Batch) bool {
		return b.ID == "b-1" && len(b.Events) == 2
	}), "u-1", time.Unix(2000, 0).UTC()).Return(nil)
	s.archiver.On("ArchiveBatch", mock.Anything, time.Unix(2000, 0).UTC(), "b-1", mock.Anything).
		Return("batches/1970/01/01/b-1.json", nil)
	s.notifier.On("Broadcast", "batch_persisted", mock.MatchedBy(func(n batchPersistedNotice) bool {
		return n.BatchID == "b-1" && n.SessionID == "s-1" && n.Events == 2
	})).Return()

	err := s.proc.Process(context.Background(), s.batchJob())

	s.NoError(err)
	s.store.AssertExpectations(s.T())
	s.archiver.AssertExpectations(s.T())
	s.notifier.AssertExpectations(s.T())
}

func (s *BatchProcessorTestSuite) TestProcessFailsOnStoreError() {
	s.store.On("InsertBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("connection refused"))

	err := s.proc.Process(context.Background(), s.batchJob())

	s.Error(err)
	s.archiver.AssertNotCalled(s.T(), "ArchiveBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	s.notifier.AssertNotCalled(s.T(), "Broadcast", mock.Anything, mock.Anything)
}

func (s *BatchProcessorTestSuite) TestArchiveFailureIsBestEffort() {
	s.store.On("InsertBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	s.archiver.On("ArchiveBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("bucket unreachable"))
	s.notifier.On("Broadcast", mock.Anything, mock.Anything).Return()

	err := s.proc.Process(context.Background(), s.batchJob())

	s.NoError(err)
}

func (s *BatchProcessorTestSuite) TestProcessWithoutArchiverOrNotifier() {
	proc := NewBatchProcessor(s.store, nil, nil, nil, zap.NewNop())
	s.store.On("InsertBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	s.NoError(proc.Process(context.Background(), s.batchJob()))
}

func (s *BatchProcessorTestSuite) TestProcessRejectsUnknownJobType() {
	job := &queue.Job{ID: "job-2", Type: "send_email", Payload: []byte(`{}`)}

	err := s.proc.Process(context.Background(), job)

	s.Error(err)
	s.store.AssertNotCalled(s.T(), "InsertBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *BatchProcessorTestSuite) TestProcessRejectsCorruptPayload() {
	job := &queue.Job{ID: "job-3", Type: queue.JobTypeBatch, Payload: []byte(`{"raw": "not-json`)}

	s.Error(s.proc.Process(context.Background(), job))
}
