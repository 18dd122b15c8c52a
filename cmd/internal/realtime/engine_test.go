package realtime

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

	v1 "github.com/joenij/connectglobal-dating-app-sub001/shared/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// ---- harness ----

type fakeTimer struct {
	f       func()
	stopped bool
	fired   bool
}

// fakeScheduler replaces time.AfterFunc so grace periods elapse on demand.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) schedule(_ time.Duration, f func()) stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{f: f}
	s.timers = append(s.timers, t)
	return fakeStopper{s: s, t: t}
}

type fakeStopper struct {
	s *fakeScheduler
	t *fakeTimer
}

func (f fakeStopper) Stop() bool {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	was := !f.t.stopped && !f.t.fired
	f.t.stopped = true
	return was
}

// fire runs every armed timer (and stopped ones too when includeStopped) on
// the calling goroutine.
func (s *fakeScheduler) fire(includeStopped bool) int {
	s.mu.Lock()
	var due []func()
	for _, t := range s.timers {
		if t.fired || (t.stopped && !includeStopped) {
			continue
		}
		t.fired = true
		due = append(due, t.f)
	}
	s.mu.Unlock()
	for _, f := range due {
		f()
	}
	return len(due)
}

func (s *fakeScheduler) armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type testEngine struct {
	*Engine
	store *InMemoryStore
	sched *fakeScheduler
	seq   atomic.Int64
}

func newTestEngine(t *testing.T, opts ...EngineOption) *testEngine {
	t.Helper()
	store := NewInMemoryStore()
	return newTestEngineWith(t, store, store, store, opts...)
}

func newTestEngineWith(t *testing.T, store *InMemoryStore, messages MessageStore, members MembershipStore, opts ...EngineOption) *testEngine {
	t.Helper()

	opts = append([]EngineOption{WithMetrics(NewMetrics(nil))}, opts...)
	e := NewEngine(nil, messages, members, opts...)
	sched := &fakeScheduler{}
	e.loop.presence.schedule = sched.schedule

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
	return &testEngine{Engine: e, store: store, sched: sched}
}

func (te *testEngine) client(userID string) *Client {
	n := te.seq.Add(1)
	return NewClient(userID, fmt.Sprintf("s%03d-%s", n, userID), time.Now().UTC(), 64)
}

func (te *testEngine) connect(t *testing.T, userID string) *Client {
	t.Helper()
	c := te.client(userID)
	require.NoError(t, te.Connect(context.Background(), c))
	return c
}

func (te *testEngine) join(t *testing.T, c *Client, conversationID string) {
	t.Helper()
	require.NoError(t, te.Join(context.Background(), c, conversationID))
}

// drain returns every envelope currently queued for c. Operations are
// synchronous with the loop, so nothing arrives after they return.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(envs []v1.Envelope, typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, env := range envs {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func types(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Type)
	}
	return out
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Payload, &out), "decode %s", env.Type)
	return out
}

func textInput(conversationID, content string) SendInput {
	return SendInput{ConversationID: conversationID, Content: content, Type: MessageText}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	err   error
}

type notifyCall struct {
	userIDs []string
	n       Notification
}

func (r *recordingNotifier) Notify(_ context.Context, userIDs []string, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, notifyCall{userIDs: append([]string(nil), userIDs...), n: n})
	return r.err
}

// flushNotifications waits for background notifier calls started so far.
func (te *testEngine) flushNotifications(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, te.WaitNotifications(ctx))
}

func (r *recordingNotifier) Calls() []notifyCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifyCall(nil), r.calls...)
}

// ---- scenarios ----

func TestEngine_SendToJoinedRecipient_ThenRead(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	y := te.connect(t, "y")
	te.join(t, x, "c1")
	te.join(t, y, "c1")
	drain(x)
	drain(y)

	msg, err := te.Send(context.Background(), x, textInput("c1", "hi"))
	require.NoError(t, err)

	yEnvs := drain(y)
	require.Equal(t, []string{v1.TypeNewMessage}, types(yEnvs))
	got := decode[v1.Message](t, yEnvs[0])
	require.Equal(t, "hi", got.Content)
	require.Equal(t, string(StatusSent), got.Status)
	require.Equal(t, "x", got.SenderID)

	// Every recipient was reached live, so the sender learns about delivery.
	xEnvs := drain(x)
	require.Equal(t, []string{v1.TypeNewMessage, v1.TypeMessageDelivered}, types(xEnvs))
	delivered := decode[v1.MessageDeliveredPayload](t, xEnvs[1])
	require.Equal(t, []string{msg.ID}, delivered.MessageIDs)
	require.Equal(t, "y", delivered.RecipientID)

	require.NoError(t, te.MarkRead(context.Background(), y, msg.ID))

	reads := ofType(drain(x), v1.TypeMessageRead)
	require.Len(t, reads, 1)
	read := decode[v1.MessageReadPayload](t, reads[0])
	require.Equal(t, msg.ID, read.MessageID)
	require.Equal(t, "y", read.ReaderID)
	require.Equal(t, "c1", read.ConversationID)
	require.False(t, read.ReadAt.IsZero())

	stored, err := te.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRead, stored.Status)
	require.False(t, te.store.LastActivity("c1").IsZero())
}

func TestEngine_OfflineRecipient_NotifiedThenReplayed(t *testing.T) {
	notifier := &recordingNotifier{}
	te := newTestEngine(t, WithNotifier(notifier))
	te.store.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	te.join(t, x, "c1")
	drain(x)

	msg, err := te.Send(context.Background(), x, textInput("c1", "hi"))
	require.NoError(t, err)
	require.Equal(t, StatusSent, msg.Status)

	te.flushNotifications(t)
	calls := notifier.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, []string{"y"}, calls[0].userIDs)
	require.Equal(t, "New message", calls[0].n.Title)
	require.Equal(t, "hi", calls[0].n.Body)
	require.Equal(t, msg.ID, calls[0].n.Data["messageId"])
	drain(x)

	y := te.connect(t, "y")

	pending := ofType(drain(y), v1.TypePendingMessages)
	require.Len(t, pending, 1)
	batch := decode[v1.PendingMessagesPayload](t, pending[0])
	require.Len(t, batch.Messages, 1)
	require.Equal(t, "hi", batch.Messages[0].Content)
	require.Equal(t, string(StatusDelivered), batch.Messages[0].Status)

	delivered := ofType(drain(x), v1.TypeMessageDelivered)
	require.Len(t, delivered, 1)
	p := decode[v1.MessageDeliveredPayload](t, delivered[0])
	require.Equal(t, []string{msg.ID}, p.MessageIDs)
	require.Equal(t, "c1", p.ConversationID)
	require.Equal(t, "y", p.RecipientID)

	stored, err := te.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, stored.Status)
	require.NotNil(t, stored.DeliveredAt)
}

func TestEngine_SendToForeignConversation_AccessDenied(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c2", "y", "z")

	x := te.connect(t, "x")
	z := te.connect(t, "z")
	te.join(t, z, "c2")
	drain(z)

	err := te.Join(context.Background(), x, "c2")
	require.ErrorIs(t, err, ErrAccessDenied)

	_, err = te.Send(context.Background(), x, textInput("c2", "hi"))
	require.ErrorIs(t, err, ErrAccessDenied)

	code, message := ErrorCode(err)
	require.Equal(t, "access_denied", code)
	require.Equal(t, "Access denied to conversation", message)

	require.Empty(t, drain(z))
	recent, err := te.store.RecentMessages(context.Background(), "c2", 10)
	require.NoError(t, err)
	require.Empty(t, recent)
}

func TestEngine_QuickReconnects_NoOfflineAndSingleOnline(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")

	y := te.connect(t, "y")
	drain(y)

	x := te.connect(t, "x")
	for i := 0; i < 2; i++ {
		te.Disconnect(context.Background(), x)
		x = te.connect(t, "x")
	}

	// Cancelled schedules are not armed; firing them anyway is guarded by token.
	require.Equal(t, 0, te.sched.armed())
	te.sched.fire(true)

	statuses := ofType(drain(y), v1.TypeUserStatus)
	require.Len(t, statuses, 1)
	p := decode[v1.UserStatusPayload](t, statuses[0])
	require.Equal(t, "x", p.UserID)
	require.Equal(t, v1.StatusOnline, p.Status)

	// y's own connect and x's first connect.
	require.Equal(t, 2.0, testutil.ToFloat64(te.metrics.PresenceBroadcasts.WithLabelValues(v1.StatusOnline)))
	require.Equal(t, 0.0, testutil.ToFloat64(te.metrics.PresenceBroadcasts.WithLabelValues(v1.StatusOffline)))
}

func TestEngine_Disconnect_OfflineAfterGrace(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")

	y := te.connect(t, "y")
	x := te.connect(t, "x")
	drain(y)

	te.Disconnect(context.Background(), x)
	require.Empty(t, ofType(drain(y), v1.TypeUserStatus), "offline must wait for the grace period")

	online, err := te.IsOnline(context.Background(), "x")
	require.NoError(t, err)
	require.False(t, online)

	require.Equal(t, 1, te.sched.fire(false))

	statuses := ofType(drain(y), v1.TypeUserStatus)
	require.Len(t, statuses, 1)
	p := decode[v1.UserStatusPayload](t, statuses[0])
	require.Equal(t, "x", p.UserID)
	require.Equal(t, v1.StatusOffline, p.Status)
	require.False(t, p.LastSeen.IsZero())

	// A later connect is announced again.
	te.connect(t, "x")
	require.Len(t, ofType(drain(y), v1.TypeUserStatus), 1)
}

func TestEngine_Presence_OnlyPartnersSeeStatus(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "v", "w")
	te.store.AddConversation("c9", "u", "q")

	u := te.connect(t, "u")
	w := te.connect(t, "w")
	drain(u)
	drain(w)

	v := te.connect(t, "v")
	te.Disconnect(context.Background(), v)
	te.sched.fire(false)

	require.Empty(t, ofType(drain(u), v1.TypeUserStatus))
	require.Len(t, ofType(drain(w), v1.TypeUserStatus), 2)
}

func TestEngine_Presence_WorksWithoutJoiningRooms(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")

	y := te.connect(t, "y")
	drain(y)
	te.connect(t, "x")

	statuses := ofType(drain(y), v1.TypeUserStatus)
	require.Len(t, statuses, 1)
}

func TestEngine_ReplacedConnection_DisconnectKeepsUserOnline(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")

	y := te.connect(t, "y")
	first := te.connect(t, "x")
	second := te.connect(t, "x")
	drain(y)

	te.Disconnect(context.Background(), first)

	online, err := te.IsOnline(context.Background(), "x")
	require.NoError(t, err)
	require.True(t, online)
	require.Equal(t, 0, te.sched.armed())

	te.Disconnect(context.Background(), second)
	require.Equal(t, 1, te.sched.armed())
}

// ---- rooms ----

func TestEngine_Join_DeliversHistoryAndAnnounces(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	te.join(t, x, "c1")
	for i := 0; i < 3; i++ {
		_, err := te.Send(context.Background(), x, textInput("c1", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	drain(x)

	y := te.connect(t, "y")
	drain(y)
	te.join(t, y, "c1")

	yEnvs := drain(y)
	require.Equal(t, []string{v1.TypeConversationMessages}, types(yEnvs))
	history := decode[v1.ConversationMessagesPayload](t, yEnvs[0])
	require.Equal(t, "c1", history.ConversationID)
	require.Len(t, history.Messages, 3)
	require.Equal(t, "m0", history.Messages[0].Content)
	require.Equal(t, "m2", history.Messages[2].Content)

	joined := ofType(drain(x), v1.TypeUserJoinedConversation)
	require.Len(t, joined, 1)
	require.Equal(t, "y", decode[v1.RoomMemberPayload](t, joined[0]).UserID)

	// A repeated join re-sends history but is not announced again.
	te.join(t, y, "c1")
	require.Len(t, ofType(drain(y), v1.TypeConversationMessages), 1)
	require.Empty(t, drain(x))
}

func TestEngine_Join_HistoryWindowIsBounded(t *testing.T) {
	te := newTestEngine(t, WithEngineConfig(EngineConfig{HistoryLimit: 2}))
	te.store.AddConversation("c1", "x")

	x := te.connect(t, "x")
	te.join(t, x, "c1")
	for i := 0; i < 5; i++ {
		_, err := te.Send(context.Background(), x, textInput("c1", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	drain(x)

	te.join(t, x, "c1")
	history := decode[v1.ConversationMessagesPayload](t, ofType(drain(x), v1.TypeConversationMessages)[0])
	require.Len(t, history.Messages, 2)
	require.Equal(t, "m3", history.Messages[0].Content)
	require.Equal(t, "m4", history.Messages[1].Content)
}

func TestEngine_Leave_AnnouncesAndCollectsEmptyRoom(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	y := te.connect(t, "y")
	te.join(t, x, "c1")
	te.join(t, y, "c1")
	drain(x)

	require.NoError(t, te.Leave(context.Background(), y, "c1"))
	left := ofType(drain(x), v1.TypeUserLeftConversation)
	require.Len(t, left, 1)
	require.Equal(t, "y", decode[v1.RoomMemberPayload](t, left[0]).UserID)

	// Leaving twice is a no-op.
	require.NoError(t, te.Leave(context.Background(), y, "c1"))
	require.Empty(t, drain(x))

	require.NoError(t, te.Leave(context.Background(), x, "c1"))
	stats, err := te.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Rooms)
	require.Equal(t, 2, stats.Online)
}

func TestEngine_Disconnect_LeavesRooms(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	y := te.connect(t, "y")
	te.join(t, x, "c1")
	te.join(t, y, "c1")
	drain(x)

	te.Disconnect(context.Background(), y)
	require.Len(t, ofType(drain(x), v1.TypeUserLeftConversation), 1)

	_, err := te.Send(context.Background(), x, textInput("c1", "still there?"))
	require.NoError(t, err)
	require.Empty(t, ofType(drain(y), v1.TypeNewMessage))
}

func TestEngine_Join_HistoryFailureLeavesRoomUntouched(t *testing.T) {
	mem := NewInMemoryStore()
	fs := &failingStore{InMemoryStore: mem}
	te := newTestEngineWith(t, mem, fs, mem)
	mem.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	te.join(t, x, "c1")
	drain(x)

	fs.failRecent = true
	y := te.connect(t, "y")
	err := te.Join(context.Background(), y, "c1")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, errBoom)

	// Neither a join nor a leave reached the room.
	require.Empty(t, ofType(drain(x), v1.TypeUserJoinedConversation))
	require.Empty(t, drain(x))
	require.Empty(t, drain(y))

	_, err = te.Send(context.Background(), y, textInput("c1", "sneaky"))
	require.ErrorIs(t, err, ErrAccessDenied)

	_, err = te.Send(context.Background(), x, textInput("c1", "hi"))
	require.NoError(t, err)
	require.Empty(t, ofType(drain(y), v1.TypeNewMessage))
}

func TestEngine_Join_HistoryFailureCollectsRoom(t *testing.T) {
	mem := NewInMemoryStore()
	te := newTestEngineWith(t, mem, &failingStore{InMemoryStore: mem, failRecent: true}, mem)
	mem.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	require.ErrorIs(t, te.Join(context.Background(), x, "c1"), ErrStoreUnavailable)

	stats, err := te.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Rooms)
}

func TestEngine_Join_ClosedClientRejected(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x")

	x := te.connect(t, "x")
	x.Close()
	require.ErrorIs(t, te.Join(context.Background(), x, "c1"), ErrInvalidRequest)

	stats, err := te.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Rooms)
}

// ---- send ----

// gatedStore blocks CreateMessage until released so other events can interleave.
type gatedStore struct {
	*InMemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	close(g.entered)
	<-g.release
	return g.InMemoryStore.CreateMessage(ctx, in)
}

func TestEngine_Send_SnapshotsRoomAfterPersistence(t *testing.T) {
	mem := NewInMemoryStore()
	gated := &gatedStore{InMemoryStore: mem, entered: make(chan struct{}), release: make(chan struct{})}
	te := newTestEngineWith(t, mem, gated, mem)
	mem.AddConversation("c1", "x", "y", "z")

	x := te.connect(t, "x")
	y := te.connect(t, "y")
	z := te.connect(t, "z")
	te.join(t, x, "c1")
	te.join(t, y, "c1")
	drain(x)
	drain(y)
	drain(z)

	done := make(chan error, 1)
	go func() {
		_, err := te.Send(context.Background(), x, textInput("c1", "in flight"))
		done <- err
	}()
	<-gated.entered

	require.NoError(t, te.Leave(context.Background(), y, "c1"))
	te.join(t, z, "c1")
	close(gated.release)
	require.NoError(t, <-done)

	require.Empty(t, ofType(drain(y), v1.TypeNewMessage), "member who left during persistence must not receive the message")
	require.Len(t, ofType(drain(z), v1.TypeNewMessage), 1, "member who joined during persistence must receive the message")
}

// failingStore fails chosen operations.
type failingStore struct {
	*InMemoryStore
	failCreate  bool
	failPending bool
	failRecent  bool
}

var errBoom = errors.New("boom")

func (f *failingStore) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	if f.failCreate {
		return Message{}, errBoom
	}
	return f.InMemoryStore.CreateMessage(ctx, in)
}

func (f *failingStore) PendingMessages(ctx context.Context, userID string) ([]Message, error) {
	if f.failPending {
		return nil, errBoom
	}
	return f.InMemoryStore.PendingMessages(ctx, userID)
}

func (f *failingStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if f.failRecent {
		return nil, errBoom
	}
	return f.InMemoryStore.RecentMessages(ctx, conversationID, limit)
}

// failingMembers answers access checks but cannot list participants.
type failingMembers struct {
	*InMemoryStore
}

func (f failingMembers) Participants(context.Context, string) ([]string, error) {
	return nil, errBoom
}

func TestEngine_Send_PersistenceFailureBroadcastsNothing(t *testing.T) {
	mem := NewInMemoryStore()
	notifier := &recordingNotifier{}
	te := newTestEngineWith(t, mem, &failingStore{InMemoryStore: mem, failCreate: true}, mem, WithNotifier(notifier))
	mem.AddConversation("c1", "x", "y", "z")

	x := te.connect(t, "x")
	y := te.connect(t, "y")
	te.join(t, x, "c1")
	te.join(t, y, "c1")
	drain(x)
	drain(y)

	_, err := te.Send(context.Background(), x, textInput("c1", "lost"))
	require.ErrorIs(t, err, ErrPersistenceFailed)
	require.ErrorIs(t, err, errBoom)
	code, _ := ErrorCode(err)
	require.Equal(t, "send_failed", code)

	require.Empty(t, drain(x))
	require.Empty(t, drain(y))
	te.flushNotifications(t)
	require.Empty(t, notifier.Calls())
	require.Equal(t, 1.0, testutil.ToFloat64(te.metrics.PersistFailures))
	require.Equal(t, 0.0, testutil.ToFloat64(te.metrics.MessagesSent))
}

func TestEngine_Send_NotificationFailureIsSwallowed(t *testing.T) {
	notifier := &recordingNotifier{err: errBoom}
	te := newTestEngine(t, WithNotifier(notifier))
	te.store.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	te.join(t, x, "c1")
	drain(x)

	msg, err := te.Send(context.Background(), x, textInput("c1", "hi"))
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.Len(t, ofType(drain(x), v1.TypeNewMessage), 1)
	te.flushNotifications(t)
	require.Len(t, notifier.Calls(), 1)
	require.Equal(t, 1.0, testutil.ToFloat64(te.metrics.Notifications.WithLabelValues("error")))
}

func TestEngine_Send_ParticipantLookupFailureWritesNothing(t *testing.T) {
	mem := NewInMemoryStore()
	notifier := &recordingNotifier{}
	te := newTestEngineWith(t, mem, mem, failingMembers{InMemoryStore: mem}, WithNotifier(notifier))
	mem.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	te.join(t, x, "c1")
	drain(x)

	_, err := te.Send(context.Background(), x, textInput("c1", "hi"))
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, errBoom)

	history, err := mem.RecentMessages(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Empty(t, history)
	require.Empty(t, drain(x))
	te.flushNotifications(t)
	require.Empty(t, notifier.Calls())
	require.Equal(t, 0.0, testutil.ToFloat64(te.metrics.MessagesSent))
}

func TestEngine_Send_GroupDeliveredPerRecipient(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("g1", "x", "y", "z")

	x := te.connect(t, "x")
	y := te.connect(t, "y")
	z := te.connect(t, "z")
	te.join(t, x, "g1")
	te.join(t, y, "g1")
	te.join(t, z, "g1")
	drain(x)
	drain(y)
	drain(z)

	msg, err := te.Send(context.Background(), x, textInput("g1", "hi all"))
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, msg.Status)

	delivered := ofType(drain(x), v1.TypeMessageDelivered)
	require.Len(t, delivered, 2)
	var recipients []string
	for _, env := range delivered {
		p := decode[v1.MessageDeliveredPayload](t, env)
		require.Equal(t, []string{msg.ID}, p.MessageIDs)
		recipients = append(recipients, p.RecipientID)
	}
	require.ElementsMatch(t, []string{"y", "z"}, recipients)
	require.Empty(t, ofType(drain(y), v1.TypeMessageDelivered))
}

// blockingNotifier holds every call until released or its context ends.
type blockingNotifier struct {
	started chan struct{}
	release chan struct{}
	err     atomic.Value
}

func (b *blockingNotifier) Notify(ctx context.Context, _ []string, _ Notification) error {
	close(b.started)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		b.err.Store(ctx.Err())
		return ctx.Err()
	}
}

func TestEngine_Send_SlowNotifierDoesNotBlockSender(t *testing.T) {
	notifier := &blockingNotifier{started: make(chan struct{}), release: make(chan struct{})}
	te := newTestEngine(t, WithNotifier(notifier))
	te.store.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	te.join(t, x, "c1")

	done := make(chan error, 1)
	go func() {
		_, err := te.Send(context.Background(), x, textInput("c1", "hi"))
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send waited for the notifier")
	}
	<-notifier.started
	require.False(t, te.store.LastActivity("c1").IsZero())

	close(notifier.release)
	te.flushNotifications(t)
	require.Equal(t, 1.0, testutil.ToFloat64(te.metrics.Notifications.WithLabelValues("ok")))
}

func TestEngine_Send_NotifierCallIsBounded(t *testing.T) {
	notifier := &blockingNotifier{started: make(chan struct{}), release: make(chan struct{})}
	te := newTestEngine(t, WithNotifier(notifier), WithEngineConfig(EngineConfig{NotifyTimeout: 20 * time.Millisecond}))
	te.store.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	te.join(t, x, "c1")

	// A cancelled request context does not cut the notification short.
	ctx, cancel := context.WithCancel(context.Background())
	_, err := te.Send(ctx, x, textInput("c1", "hi"))
	require.NoError(t, err)
	cancel()

	te.flushNotifications(t)
	require.ErrorIs(t, notifier.err.Load().(error), context.DeadlineExceeded)
	require.Equal(t, 1.0, testutil.ToFloat64(te.metrics.Notifications.WithLabelValues("error")))
}

func TestEngine_Send_Validation(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x")
	x := te.connect(t, "x")
	te.join(t, x, "c1")

	cases := []struct {
		name string
		in   SendInput
		want string
	}{
		{"empty text", textInput("c1", "   "), "content is required"},
		{"too long", textInput("c1", strings.Repeat("é", maxMessageChars+1)), "content exceeds 4000 characters"},
		{"missing conversation", textInput("", "hi"), "conversationId is required"},
		{"media without url", SendInput{ConversationID: "c1", Type: MessageImage}, "mediaUrl is required for image messages"},
		{"bad url", SendInput{ConversationID: "c1", Type: MessageImage, MediaURL: "not a url"}, "mediaUrl must be a valid URL"},
		{"unknown type", SendInput{ConversationID: "c1", Content: "hi", Type: "sticker"}, `unsupported messageType "sticker"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := te.Send(context.Background(), x, tc.in)
			require.ErrorIs(t, err, ErrInvalidMessage)
			code, message := ErrorCode(err)
			require.Equal(t, "invalid_message", code)
			require.Equal(t, tc.want, message)
		})
	}

	_, err := te.Send(context.Background(), x, textInput("c1", strings.Repeat("é", maxMessageChars)))
	require.NoError(t, err)
}

func TestEngine_Send_NotificationPreview(t *testing.T) {
	notifier := &recordingNotifier{}
	te := newTestEngine(t, WithNotifier(notifier), WithEngineConfig(EngineConfig{PreviewChars: 5}))
	te.store.AddConversation("c1", "x", "y")
	x := te.connect(t, "x")
	te.join(t, x, "c1")

	_, err := te.Send(context.Background(), x, textInput("c1", "hello world"))
	require.NoError(t, err)
	_, err = te.Send(context.Background(), x, SendInput{ConversationID: "c1", Type: MessageImage, MediaURL: "https://cdn.example.com/p.jpg"})
	require.NoError(t, err)
	_, err = te.Send(context.Background(), x, SendInput{ConversationID: "c1", Type: MessageAudio, MediaURL: "https://cdn.example.com/v.m4a"})
	require.NoError(t, err)

	te.flushNotifications(t)
	calls := notifier.Calls()
	require.Len(t, calls, 3)
	bodies := make([]string, 0, len(calls))
	for _, c := range calls {
		bodies = append(bodies, c.n.Body)
	}
	require.ElementsMatch(t, []string{"hello...", "Sent a photo", "Sent a voice message"}, bodies)
}

func TestEngine_Send_OnlineButAbsentRecipientStaysSent(t *testing.T) {
	notifier := &recordingNotifier{}
	te := newTestEngine(t, WithNotifier(notifier))
	te.store.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	y := te.connect(t, "y")
	te.join(t, x, "c1")
	drain(x)
	drain(y)

	msg, err := te.Send(context.Background(), x, textInput("c1", "hi"))
	require.NoError(t, err)
	require.Equal(t, StatusSent, msg.Status)
	te.flushNotifications(t)
	require.Empty(t, notifier.Calls(), "online users are not pushed")
	require.Empty(t, ofType(drain(x), v1.TypeMessageDelivered))
	require.Empty(t, drain(y))
}

// ---- receipts ----

func TestEngine_MarkRead_Rules(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")
	te.store.AddConversation("c2", "z")

	x := te.connect(t, "x")
	y := te.connect(t, "y")
	z := te.connect(t, "z")
	te.join(t, x, "c1")
	msg, err := te.Send(context.Background(), x, textInput("c1", "hi"))
	require.NoError(t, err)
	drain(x)

	require.ErrorIs(t, te.MarkRead(context.Background(), x, msg.ID), ErrSelfReceipt)
	require.ErrorIs(t, te.MarkRead(context.Background(), z, msg.ID), ErrAccessDenied)
	require.ErrorIs(t, te.MarkRead(context.Background(), y, "missing"), ErrMessageNotFound)

	// The reader need not be present in the room; the sender is reached directly.
	require.NoError(t, te.MarkRead(context.Background(), y, msg.ID))
	require.Len(t, ofType(drain(x), v1.TypeMessageRead), 1)

	// Redundant read is a no-op.
	require.NoError(t, te.MarkRead(context.Background(), y, msg.ID))
	require.Empty(t, drain(x))
}

func TestEngine_StatusNeverRegresses(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	te.join(t, x, "c1")
	msg, err := te.Send(context.Background(), x, textInput("c1", "hi"))
	require.NoError(t, err)

	y := te.client("y")
	require.NoError(t, te.MarkRead(context.Background(), y, msg.ID))

	// Replay after read finds nothing to deliver.
	batch, err := te.ReplayPending(context.Background(), y)
	require.NoError(t, err)
	require.Empty(t, batch)

	changed, err := te.store.MarkDelivered(context.Background(), []string{msg.ID}, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, changed)

	stored, err := te.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRead, stored.Status)
	require.NotNil(t, stored.DeliveredAt)
	require.NotNil(t, stored.ReadAt)
}

// ---- replay ----

func TestEngine_ReplayPending_Idempotent(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")
	te.store.AddConversation("c2", "w", "y")

	x := te.connect(t, "x")
	w := te.connect(t, "w")
	te.join(t, x, "c1")
	te.join(t, w, "c2")
	for _, s := range []struct {
		c    *Client
		conv string
		text string
	}{{x, "c1", "one"}, {w, "c2", "two"}, {x, "c1", "three"}} {
		_, err := te.Send(context.Background(), s.c, textInput(s.conv, s.text))
		require.NoError(t, err)
	}
	drain(x)
	drain(w)

	y := te.client("y")
	first, err := te.ReplayPending(context.Background(), y)
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.Equal(t, "one", first[0].Content)
	require.Equal(t, "three", first[2].Content)

	second, err := te.ReplayPending(context.Background(), y)
	require.NoError(t, err)
	require.Empty(t, second)

	require.Len(t, ofType(drain(y), v1.TypePendingMessages), 1)

	// One delivered event per (sender, conversation).
	xDelivered := ofType(drain(x), v1.TypeMessageDelivered)
	require.Len(t, xDelivered, 1)
	require.Len(t, decode[v1.MessageDeliveredPayload](t, xDelivered[0]).MessageIDs, 2)
	require.Len(t, ofType(drain(w), v1.TypeMessageDelivered), 1)
	require.Equal(t, 3.0, testutil.ToFloat64(te.metrics.ReplayedMessages))
}

func TestEngine_ReplayPending_RejectedBatchStaysSent(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")
	x := te.connect(t, "x")
	te.join(t, x, "c1")
	_, err := te.Send(context.Background(), x, textInput("c1", "hi"))
	require.NoError(t, err)

	y := NewClient("y", "full", time.Now().UTC(), 1)
	require.True(t, y.Enqueue(v1.Envelope{Type: "filler"}))

	_, err = te.ReplayPending(context.Background(), y)
	require.ErrorIs(t, err, ErrBackpressure)

	pending, err := te.store.PendingMessages(context.Background(), "y")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1.0, testutil.ToFloat64(te.metrics.DroppedEnvelopes))
}

func TestEngine_Connect_ReplayFailureDoesNotFailConnect(t *testing.T) {
	mem := NewInMemoryStore()
	te := newTestEngineWith(t, mem, &failingStore{InMemoryStore: mem, failPending: true}, mem)
	mem.AddConversation("c1", "x", "y")

	y := te.connect(t, "y")
	online, err := te.IsOnline(context.Background(), y.UserID)
	require.NoError(t, err)
	require.True(t, online)
}

// ---- typing ----

func TestEngine_Typing_RelaysToOthersOnly(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	y := te.connect(t, "y")
	te.join(t, x, "c1")
	te.join(t, y, "c1")
	drain(x)
	drain(y)

	require.NoError(t, te.TypingStart(context.Background(), x, "c1"))
	require.NoError(t, te.TypingStop(context.Background(), x, "c1"))

	require.Empty(t, drain(x))
	yEnvs := drain(y)
	require.Equal(t, []string{v1.TypeUserTyping, v1.TypeUserTyping}, types(yEnvs))
	require.True(t, decode[v1.UserTypingPayload](t, yEnvs[0]).IsTyping)
	require.False(t, decode[v1.UserTypingPayload](t, yEnvs[1]).IsTyping)
}

func TestEngine_Typing_RequiresPresence(t *testing.T) {
	te := newTestEngine(t)
	te.store.AddConversation("c1", "x", "y")

	x := te.connect(t, "x")
	y := te.connect(t, "y")
	te.join(t, y, "c1")
	drain(y)

	require.ErrorIs(t, te.TypingStart(context.Background(), x, "c1"), ErrAccessDenied)
	require.Empty(t, drain(y))

	// Typing is never replayed to a later joiner.
	require.NoError(t, te.TypingStart(context.Background(), y, "c1"))
	te.join(t, x, "c1")
	require.Empty(t, ofType(drain(x), v1.TypeUserTyping))
}

// ---- lifecycle ----

func TestEngine_StoppedEngineRejectsOperations(t *testing.T) {
	store := NewInMemoryStore()
	e := NewEngine(nil, store, store)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	cancel()
	<-e.Done()

	c := NewClient("x", "s1", time.Now().UTC(), 8)
	require.ErrorIs(t, e.Connect(context.Background(), c), ErrEngineStopped)

	require.Error(t, e.Run(context.Background()), "Run may be called once")
}

func TestEngine_SendError_QueuesErrorEvent(t *testing.T) {
	te := newTestEngine(t)
	x := te.connect(t, "x")
	drain(x)

	require.NoError(t, te.SendError(context.Background(), x, opErr("test", ErrAccessDenied, nil)))
	envs := drain(x)
	require.Equal(t, []string{v1.TypeError}, types(envs))
	p := decode[v1.ErrorPayload](t, envs[0])
	require.Equal(t, "access_denied", p.Code)
	require.Equal(t, "Access denied to conversation", p.Message)
}
