package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-battle-api/internal/models"
	"github.com/noah-isme/gema-battle-api/pkg/sandbox"
)

// codeExecutor passes a case when the code equals "good" or the code echoes the input
// via the "echo" keyword.
type codeExecutor struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (e *codeExecutor) Execute(ctx context.Context, code, language, input, expected string) sandbox.ExecutionResult {
	e.calls.Add(1)
	current := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		peak := e.peak.Load()
		if current <= peak || e.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	actual := "wrong"
	switch code {
	case "good":
		actual = strings.TrimSpace(expected)
	case "echo":
		actual = strings.TrimSpace(input)
	}
	result := sandbox.ExecutionResult{
		Actual:   actual,
		Expected: strings.TrimSpace(expected),
		Passed:   actual == strings.TrimSpace(expected),
	}
	if !result.Passed {
		result.Stderr = "mismatch"
	}
	return result
}

type fakeTaskStore struct {
	tasks map[uint]BattleTask
	err   error
}

func (s *fakeTaskStore) Get(ctx context.Context, id uint) (BattleTask, error) {
	if s.err != nil {
		return BattleTask{}, s.err
	}
	task, ok := s.tasks[id]
	if !ok {
		return BattleTask{}, ErrTaskNotFound
	}
	return task, nil
}

type recordedWin struct {
	room   string
	winner Identity
	losers []Identity
}

type fakeOutcomeSink struct {
	mu          sync.Mutex
	submissions []SubmissionOutcome
	wins        []recordedWin
	err         error
	// hang makes every call block until its context expires.
	hang bool
}

func (s *fakeOutcomeSink) wait(ctx context.Context) error {
	s.mu.Lock()
	hang := s.hang
	s.mu.Unlock()
	if !hang {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeOutcomeSink) RecordSubmission(ctx context.Context, outcome SubmissionOutcome) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.submissions = append(s.submissions, outcome)
	return nil
}

func (s *fakeOutcomeSink) RecordWin(ctx context.Context, roomKey string, winner Identity, losers []Identity, at time.Time) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.wins = append(s.wins, recordedWin{room: roomKey, winner: winner, losers: losers})
	return nil
}

func (s *fakeOutcomeSink) snapshot() ([]SubmissionOutcome, []recordedWin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SubmissionOutcome(nil), s.submissions...), append([]recordedWin(nil), s.wins...)
}

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory websocket: tests push client frames into inbound
// and read server frames from written.
type fakeConn struct {
	inbound chan []byte
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	clone := append([]byte(nil), data...)
	select {
	case c.written <- clone:
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, frame interface{}) {
	t.Helper()
	var data []byte
	switch v := frame.(type) {
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		require.NoError(t, err)
		data = encoded
	}
	c.inbound <- data
}

func (c *fakeConn) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.written:
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func (c *fakeConn) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case data := <-c.written:
		t.Fatalf("unexpected frame: %s", string(data))
	case <-time.After(wait):
	}
}

type battleFixture struct {
	service  BattleService
	hub      *BattleHub
	sink     *fakeOutcomeSink
	tasks    *fakeTaskStore
	executor *codeExecutor
}

func newBattleFixture(t *testing.T) *battleFixture {
	t.Helper()
	return newBattleFixtureWithConfig(t, BattleServiceConfig{PersistTimeout: time.Second})
}

func newBattleFixtureWithConfig(t *testing.T, cfg BattleServiceConfig) *battleFixture {
	t.Helper()
	executor := &codeExecutor{}
	tasks := &fakeTaskStore{tasks: map[uint]BattleTask{
		1: {ID: 1, Title: "Echo", Language: "python", TestCases: []TestCase{
			{Input: "1", Expected: "1"},
			{Input: "2", Expected: "2", Hidden: true},
		}},
		2: {ID: 2, Title: "Empty", Language: "python"},
	}}
	sink := &fakeOutcomeSink{}
	hub := NewBattleHub(zerolog.Nop())
	verdicts := NewVerdictService(executor, sandbox.NewPool(4), zerolog.Nop())
	svc := NewBattleService(tasks, sink, verdicts, hub, nil, nil, zerolog.Nop(), cfg)

	return &battleFixture{service: svc, hub: hub, sink: sink, tasks: tasks, executor: executor}
}

func (f *battleFixture) connect(t *testing.T, room string, identity Identity) (*fakeConn, <-chan struct{}) {
	t.Helper()
	conn := newFakeConn()
	done := make(chan struct{})
	before := 0
	if snapshot, ok := f.hub.Snapshot(room); ok {
		before = len(snapshot.Members)
	}

	go func() {
		defer close(done)
		f.service.ServeConnection(conn, BattleConnectionOptions{RoomKey: room, Identity: identity})
	}()

	require.Eventually(t, func() bool {
		snapshot, ok := f.hub.Snapshot(room)
		return ok && len(snapshot.Members) == before+1
	}, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		_ = conn.Close()
		<-done
	})
	return conn, done
}

func setupServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.BattleTask{}, &models.BattleTestCase{}, &models.BattleSubmission{}, &models.CoderProfile{}, &models.BattleRoom{}))
	return db
}
