package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/cprbargain/internal/experiment"
	"github.com/lox/cprbargain/internal/matching"
	"github.com/lox/cprbargain/internal/protocol"
	"github.com/lox/cprbargain/internal/randutil"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Participants = 2
	cfg.Session.Rounds = 1
	cfg.Session.Matching = matching.ModeRotating
	cfg.Treatment = "baseline_norisk"
	return cfg
}

type testServer struct {
	*Server
	url string
}

func startTestServer(t *testing.T, cfg Config, clock quartz.Clock) *testServer {
	t.Helper()
	s := NewServer(testLogger(), randutil.NewShared(1), WithConfig(cfg), WithClock(clock))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		ts.Close()
	})
	return &testServer{Server: s, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(typ protocol.MessageType, data any) {
	c.t.Helper()
	msg, err := protocol.NewMessage(typ, data, time.Now())
	require.NoError(c.t, err)
	raw, err := protocol.Marshal(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, raw))
}

// expect reads until a message of typ arrives, skipping others.
func (c *testClient) expect(typ protocol.MessageType) *protocol.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", typ)
		msg, err := protocol.Unmarshal(raw)
		require.NoError(c.t, err)
		if msg.Type == typ {
			return msg
		}
	}
}

func (c *testClient) awaitStage(stage experiment.Stage) protocol.Stage {
	c.t.Helper()
	for {
		var st protocol.Stage
		require.NoError(c.t, c.expect(protocol.TypeStage).Decode(&st))
		if st.Stage == stage {
			return st
		}
	}
}

func (c *testClient) join(name string) protocol.Welcome {
	c.t.Helper()
	c.send(protocol.TypeJoin, protocol.Join{Name: name})
	var w protocol.Welcome
	require.NoError(c.t, c.expect(protocol.TypeWelcome).Decode(&w))
	return w
}

func (c *testClient) submit(fields []string, extract, guess float64) {
	c.t.Helper()
	require.Len(c.t, fields, 2)
	c.send(protocol.TypeSubmit, protocol.Submit{Values: map[string]float64{fields[0]: extract, fields[1]: guess}})
}

func (c *testClient) expectError(code string) {
	c.t.Helper()
	var e protocol.Error
	require.NoError(c.t, c.expect(protocol.TypeError).Decode(&e))
	assert.Equal(c.t, code, e.Code)
}

func TestSessionOverWebsocket(t *testing.T) {
	ts := startTestServer(t, testConfig(), quartz.NewReal())

	alice := dial(t, ts.url)
	w := alice.join("alice")
	assert.Equal(t, 1, w.PlayerID)
	assert.Equal(t, 1, w.Joined)
	assert.Empty(t, w.SessionID)
	assert.Nil(t, ts.Session())

	bob := dial(t, ts.url)
	w = bob.join("bob")
	assert.Equal(t, 2, w.PlayerID)
	assert.Equal(t, 2, w.Joined)

	a := alice.awaitStage(experiment.StagePeriod1)
	assert.Equal(t, []string{"extract_me_p1_t1", "guess_other_p1_t1"}, a.Fields)
	assert.Equal(t, 180, a.TimeoutSeconds)
	require.NotNil(t, a.Decision)
	assert.Equal(t, 1000.0, a.Decision.TotalResource)
	b := bob.awaitStage(experiment.StagePeriod1)
	assert.Equal(t, []string{"extract_me_p2_t1", "guess_other_p2_t1"}, b.Fields)

	alice.submit(a.Fields, 100, 50)
	alice.awaitStage(experiment.StagePeriod1Wait)
	bob.submit(b.Fields, 150, 100)

	fb := bob.awaitStage(experiment.StageFeedback1)
	require.NotNil(t, fb.Feedback)
	assert.Equal(t, 750.0, fb.Feedback.RemainingPie)
	assert.Equal(t, 100.0, fb.Feedback.OtherExtraction)
	alice.awaitStage(experiment.StageFeedback1)

	alice.send(protocol.TypeAdvance, protocol.Advance{})
	bob.send(protocol.TypeAdvance, protocol.Advance{})
	a = alice.awaitStage(experiment.StagePeriod2)
	b = bob.awaitStage(experiment.StagePeriod2)
	assert.InDelta(t, 1125, a.Decision.TotalResource, 1e-9)

	alice.submit(a.Fields, 600, 0)
	var rej protocol.Rejected
	require.NoError(t, alice.expect(protocol.TypeRejected).Decode(&rej))
	assert.Equal(t, "extract_me_p1_t2", rej.Field)
	assert.Contains(t, rej.Reason, "562.5")

	alice.submit(a.Fields, 500, 0)
	bob.submit(b.Fields, 0, 500)
	alice.awaitStage(experiment.StageFeedback2)
	bob.awaitStage(experiment.StageFeedback2)
	alice.send(protocol.TypeAdvance, protocol.Advance{})
	bob.send(protocol.TypeAdvance, protocol.Advance{})

	var done protocol.SessionComplete
	require.NoError(t, alice.expect(protocol.TypeSessionComplete).Decode(&done))
	require.Len(t, done.Summary.Players, 2)
	assert.Equal(t, 100.0, done.Summary.Players[0].ExtractionT1)
	assert.Equal(t, 500.0, done.Summary.Players[0].ExtractionT2)

	select {
	case <-ts.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not report completion")
	}
}

func TestDecisionTimeoutRecordsZero(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mockClock := quartz.NewMock(t)
	ts := startTestServer(t, testConfig(), mockClock)

	alice := dial(t, ts.url)
	alice.join("alice")
	bob := dial(t, ts.url)
	bob.join("bob")

	a := alice.awaitStage(experiment.StagePeriod1)
	bob.awaitStage(experiment.StagePeriod1)
	alice.submit(a.Fields, 100, 0)
	alice.awaitStage(experiment.StagePeriod1Wait)

	// Only bob's page timer is still pending.
	mockClock.Advance(180 * time.Second).MustWait(ctx)

	fb := alice.awaitStage(experiment.StageFeedback1)
	require.NotNil(t, fb.Feedback)
	assert.Zero(t, fb.Feedback.OtherExtraction)
	assert.True(t, fb.Feedback.PartnerTimedOut)
	assert.Equal(t, 900.0, fb.Feedback.RemainingPie)
	bob.awaitStage(experiment.StageFeedback1)
}

func TestProtocolErrors(t *testing.T) {
	ts := startTestServer(t, testConfig(), quartz.NewReal())

	early := dial(t, ts.url)
	early.send(protocol.TypeSubmit, protocol.Submit{})
	early.expectError(protocol.CodeNotJoined)
	early.send(protocol.TypeJoin, protocol.Join{Name: "  "})
	early.expectError(protocol.CodeBadRequest)
	early.send("shout", nil)
	early.expectError(protocol.CodeBadRequest)

	alice := dial(t, ts.url)
	alice.join("alice")
	alice.send(protocol.TypeAdvance, protocol.Advance{})
	alice.expectError(protocol.CodeWrongStage)
	alice.send(protocol.TypeJoin, protocol.Join{Name: "alice"})
	alice.expectError(protocol.CodeAlreadyJoined)

	bob := dial(t, ts.url)
	bob.join("bob")
	alice.awaitStage(experiment.StagePeriod1)
	alice.send(protocol.TypeAdvance, protocol.Advance{})
	alice.expectError(protocol.CodeWrongStage)

	carol := dial(t, ts.url)
	carol.send(protocol.TypeJoin, protocol.Join{Name: "carol"})
	carol.expectError(protocol.CodeSessionFull)
}

func TestRejoinResumesPage(t *testing.T) {
	ts := startTestServer(t, testConfig(), quartz.NewReal())

	alice := dial(t, ts.url)
	alice.join("alice")
	bob := dial(t, ts.url)
	bob.join("bob")
	first := alice.awaitStage(experiment.StagePeriod1)
	require.False(t, first.Deadline.IsZero())

	require.NoError(t, alice.conn.Close())
	require.Eventually(t, func() bool {
		ts.mu.RLock()
		defer ts.mu.RUnlock()
		return ts.players[1].isClosed()
	}, 5*time.Second, 10*time.Millisecond)

	again := dial(t, ts.url)
	w := again.join("alice")
	assert.Equal(t, 1, w.PlayerID)
	assert.NotEmpty(t, w.SessionID)
	st := again.awaitStage(experiment.StagePeriod1)
	assert.Equal(t, []string{"extract_me_p1_t1", "guess_other_p1_t1"}, st.Fields)
	assert.Equal(t, 180, st.TimeoutSeconds)
	assert.True(t, st.Deadline.Equal(first.Deadline), "deadline %v, want %v", st.Deadline, first.Deadline)
}

func TestBargainingTreatmentUsesBargainingTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.Treatment = "bargain_norisk"
	cfg.DecisionTimeout = 60 * time.Second
	cfg.BargainingTimeout = 120 * time.Second
	mockClock := quartz.NewMock(t)
	ts := startTestServer(t, cfg, mockClock)

	alice := dial(t, ts.url)
	alice.join("alice")
	bob := dial(t, ts.url)
	bob.join("bob")

	start := mockClock.Now()
	a := alice.awaitStage(experiment.StagePeriod1)
	assert.Equal(t, 120, a.TimeoutSeconds)
	assert.True(t, a.Deadline.Equal(start.Add(120*time.Second)), "deadline %v", a.Deadline)
	bob.awaitStage(experiment.StagePeriod1)

	// The independent-decision timeout does not apply.
	mockClock.Advance(60 * time.Second).MustWait(ctx)
	sess := ts.Session()
	require.NotNil(t, sess)
	stage, err := sess.Stage(1)
	require.NoError(t, err)
	assert.Equal(t, experiment.StagePeriod1, stage)

	mockClock.Advance(60 * time.Second).MustWait(ctx)
	fb := alice.awaitStage(experiment.StageFeedback1)
	require.NotNil(t, fb.Feedback)
	assert.True(t, fb.Feedback.PartnerTimedOut)
}

func TestIndependentTreatmentUsesDecisionTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.DecisionTimeout = 45 * time.Second
	cfg.BargainingTimeout = 120 * time.Second
	ts := startTestServer(t, cfg, quartz.NewMock(t))

	alice := dial(t, ts.url)
	alice.join("alice")
	bob := dial(t, ts.url)
	bob.join("bob")

	a := alice.awaitStage(experiment.StagePeriod1)
	assert.Equal(t, 45, a.TimeoutSeconds)
}

func TestConfiguredRiskTableReachesSession(t *testing.T) {
	cfg := testConfig()
	cfg.Treatment = "baseline_norisk"
	cfg.RiskTable = RiskTableConstant
	cfg.RiskProbability = 0.25
	ts := startTestServer(t, cfg, quartz.NewMock(t))

	alice := dial(t, ts.url)
	alice.join("alice")
	bob := dial(t, ts.url)
	bob.join("bob")

	a := alice.awaitStage(experiment.StagePeriod1)
	require.NotNil(t, a.Decision)
	assert.InDelta(t, 25, a.Decision.RiskPercent, 1e-9)
	require.NotNil(t, ts.Session())
	assert.Equal(t, 0.25, ts.Session().RiskProbability())
}

func TestUnknownTreatmentStartsWithDefaultRisk(t *testing.T) {
	cfg := testConfig()
	cfg.Treatment = "pilot_risk"
	require.NoError(t, cfg.Validate())
	ts := startTestServer(t, cfg, quartz.NewMock(t))

	alice := dial(t, ts.url)
	alice.join("alice")
	bob := dial(t, ts.url)
	bob.join("bob")

	a := alice.awaitStage(experiment.StagePeriod1)
	require.NotNil(t, a.Decision)
	assert.InDelta(t, 50, a.Decision.RiskPercent, 1e-9)
}

func TestHealth(t *testing.T) {
	s := NewServer(testLogger(), randutil.NewShared(1), WithConfig(testConfig()))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status healthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, 2, status.Population)
	assert.Zero(t, status.Joined)
}
