package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gwi.com/chatsync/internal/store"
)

const testUser = "5511999990000"

func newTestEngine(t *testing.T, st LogStore, replies ReplyGenerator, opts ...func(*Options)) *Engine {
	t.Helper()
	o := Options{UserKey: testUser, Logger: zap.NewNop()}
	for _, fn := range opts {
		fn(&o)
	}
	e := NewEngine(st, replies, o)
	t.Cleanup(e.Close)
	return e
}

func rendered(msgs []store.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Role)+":"+m.Content+":"+string(m.Status))
	}
	return out
}

func TestSendMessageFirstExchange(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	var e *Engine

	var atInsert []store.Message
	st.failInsert = func(msg store.Message) error {
		if msg.Role == store.RoleUser && atInsert == nil {
			atInsert = e.overlay.ForSession(msg.SessionID)
		}
		return nil
	}
	e = newTestEngine(t, st, echoReplier("Olá! Você disse: "))

	require.Empty(t, e.ActiveSessionID())
	require.NoError(t, e.SendMessage(ctx, "Oi"))

	// The optimistic entry existed before the user row was written.
	require.Len(t, atInsert, 1)
	assert.Equal(t, "Oi", atInsert[0].Content)
	assert.Equal(t, store.StatusSending, atInsert[0].Status)

	sessionID := e.ActiveSessionID()
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "Oi", st.title(sessionID))

	assert.Equal(t, []string{"user:Oi:sent", "assistant:Olá! Você disse: Oi:sent"}, rendered(e.Messages(ctx)))
	assert.Equal(t, 0, e.overlay.Len())
	assert.False(t, e.IsLoading())

	msgs, _ := st.ListMessages(ctx, sessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, map[string]any{"source": "test"}, msgs[1].Metadata)
}

func TestSendMessageConvergesToConfirmedLog(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	e := newTestEngine(t, st, echoReplier("re: "))

	for _, text := range []string{"um", "dois", "dois", "três"} {
		require.NoError(t, e.SendMessage(ctx, text))

		confirmed, err := st.ListMessages(ctx, e.ActiveSessionID())
		require.NoError(t, err)
		assert.Equal(t, 0, e.overlay.Len())
		if diff := cmp.Diff(confirmed, e.Messages(ctx), cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("view differs from confirmed log after %q (-confirmed +view):\n%s", text, diff)
		}
	}
	assert.Len(t, e.Messages(ctx), 8)
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	st := newMemStore()
	e := newTestEngine(t, st, echoReplier(""))

	err := e.SendMessage(context.Background(), "   \n\t")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, e.ActiveSessionID())
	assert.Equal(t, 0, st.insertCalls)
}

func TestSendMessageSessionCreateFailureLeavesNothingBehind(t *testing.T) {
	st := newMemStore()
	st.failCreate = errTransport
	e := newTestEngine(t, st, echoReplier(""))

	err := e.SendMessage(context.Background(), "Oi")
	require.ErrorIs(t, err, ErrSessionCreate)
	assert.ErrorIs(t, err, errTransport)
	assert.Equal(t, 0, e.overlay.Len())
	assert.Empty(t, e.ActiveSessionID())
	assert.Empty(t, e.Messages(context.Background()))
	assert.Equal(t, 0, st.insertCalls)
}

func TestReplyFailureKeepsMessageVisibleAndRetryable(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()

	var mu sync.Mutex
	failing := true
	replies := replyFunc(func(ctx context.Context, req ReplyRequest) (*Reply, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return nil, errors.New("webhook returned status 502")
		}
		return &Reply{Content: "Olá!"}, nil
	})
	e := newTestEngine(t, st, replies)

	err := e.SendMessage(ctx, "Oi")
	require.ErrorIs(t, err, ErrReplyFailed)

	view := e.Messages(ctx)
	require.Equal(t, []string{"user:Oi:error"}, rendered(view))
	failedID := view[0].ID
	assert.Contains(t, failedID, tempIDPrefix)
	assert.Equal(t, "Oi", st.title(e.ActiveSessionID()))

	mu.Lock()
	failing = false
	mu.Unlock()

	require.NoError(t, e.RetryMessage(ctx, failedID))
	assert.Equal(t, []string{"user:Oi:sent", "assistant:Olá!:sent"}, rendered(e.Messages(ctx)))
	assert.Equal(t, 0, e.overlay.Len())

	// The user row written by the failed attempt is reused, not duplicated.
	count, _ := st.CountMessages(ctx, e.ActiveSessionID())
	assert.Equal(t, 2, count)

	// The old temporary id is gone for good.
	assert.ErrorIs(t, e.RetryMessage(ctx, failedID), ErrNotRetryable)
}

func TestUserRowFailureMarksEntryAndRetryResends(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	var mu sync.Mutex
	down := true
	st.failInsert = func(msg store.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if down {
			return errTransport
		}
		return nil
	}
	e := newTestEngine(t, st, echoReplier("re: "))

	err := e.SendMessage(ctx, "Oi")
	require.ErrorIs(t, err, errTransport)

	view := e.Messages(ctx)
	require.Equal(t, []string{"user:Oi:error"}, rendered(view))

	mu.Lock()
	down = false
	mu.Unlock()

	require.NoError(t, e.RetryMessage(ctx, view[0].ID))
	assert.Equal(t, []string{"user:Oi:sent", "assistant:re: Oi:sent"}, rendered(e.Messages(ctx)))
}

func TestRetryRejectsUnknownOrPendingMessages(t *testing.T) {
	e := newTestEngine(t, newMemStore(), echoReplier(""))
	assert.ErrorIs(t, e.RetryMessage(context.Background(), "tmp_nope"), ErrNotRetryable)

	e.overlay.Append(pendingMsg("tmp_busy", "Oi", t0))
	assert.ErrorIs(t, e.RetryMessage(context.Background(), "tmp_busy"), ErrNotRetryable)
}

func TestReplyTimeoutIsRetryableFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	slow := replyFunc(func(ctx context.Context, req ReplyRequest) (*Reply, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := newTestEngine(t, st, slow, func(o *Options) { o.ReplyTimeout = 20 * time.Millisecond })

	err := e.SendMessage(ctx, "Oi")
	require.ErrorIs(t, err, ErrReplyTimeout)
	assert.Equal(t, []string{"user:Oi:error"}, rendered(e.Messages(ctx)))
}

func TestEmptyReplyIsTreatedAsFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	blank := replyFunc(func(ctx context.Context, req ReplyRequest) (*Reply, error) {
		return &Reply{Content: "  "}, nil
	})
	e := newTestEngine(t, st, blank)

	require.ErrorIs(t, e.SendMessage(ctx, "Oi"), ErrReplyFailed)
	// No partial assistant row is ever written.
	msgs, _ := st.ListMessages(ctx, e.ActiveSessionID())
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
}

func TestAssistantInsertFailureMarksUserMessage(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.failInsert = func(msg store.Message) error {
		if msg.Role == store.RoleAssistant {
			return errTransport
		}
		return nil
	}
	e := newTestEngine(t, st, echoReplier("re: "))

	require.ErrorIs(t, e.SendMessage(ctx, "Oi"), errTransport)
	assert.Equal(t, []string{"user:Oi:error"}, rendered(e.Messages(ctx)))
}

func TestTitleIsSetOnceFromFirstMessage(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	e := newTestEngine(t, st, echoReplier("re: "))

	require.NoError(t, e.SendMessage(ctx, "Qual foi o faturamento de março?"))
	sessionID := e.ActiveSessionID()
	require.Equal(t, "Qual foi o faturamento de março?", st.title(sessionID))

	require.NoError(t, e.SendMessage(ctx, "E de abril?"))
	assert.Equal(t, "Qual foi o faturamento de março?", st.title(sessionID))

	sess, err := e.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Qual foi o faturamento de março?", sess.DisplayTitle())
}

func TestIsLoadingWhileReplyPending(t *testing.T) {
	st := newMemStore()
	var e *Engine
	var sawLoading bool
	e = newTestEngine(t, st, replyFunc(func(ctx context.Context, req ReplyRequest) (*Reply, error) {
		sawLoading = e.IsLoading()
		return &Reply{Content: "ok"}, nil
	}))

	require.NoError(t, e.SendMessage(context.Background(), "Oi"))
	assert.True(t, sawLoading)
	assert.False(t, e.IsLoading())
}

func TestReplyRequestCarriesSessionAndCaller(t *testing.T) {
	st := newMemStore()
	var got ReplyRequest
	e := newTestEngine(t, st, replyFunc(func(ctx context.Context, req ReplyRequest) (*Reply, error) {
		got = req
		return &Reply{Content: "ok"}, nil
	}), func(o *Options) { o.Caller = CallerContext{Name: "Ana"} })

	require.NoError(t, e.SendMessage(context.Background(), "Oi"))
	assert.Equal(t, "Oi", got.Content)
	assert.Equal(t, e.ActiveSessionID(), got.SessionID)
	assert.Equal(t, testUser, got.Caller.UserKey)
	assert.Equal(t, "Ana", got.Caller.Name)
}

func TestSwitchingSessionsDropsLateReadForPreviousSession(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	a, _ := st.CreateSession(ctx, testUser)
	b, _ := st.CreateSession(ctx, testUser)
	st.externalInsert(a.ID, store.RoleUser, "mensagem de A")
	st.externalInsert(b.ID, store.RoleUser, "mensagem de B")

	e := newTestEngine(t, st, echoReplier(""))
	require.NoError(t, e.SelectSession(ctx, a.ID))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	st.beforeList = func(ctx context.Context, sessionID string) {
		if sessionID != a.ID {
			return
		}
		once.Do(func() {
			close(started)
			<-release // ignores cancellation, like a slow proxy would
		})
	}

	lateView := make(chan []store.Message, 1)
	go func() { lateView <- e.Messages(context.Background()) }()

	<-started
	require.NoError(t, e.SelectSession(ctx, b.ID))
	close(release)

	select {
	case view := <-lateView:
		for _, m := range view {
			assert.NotEqual(t, "mensagem de A", m.Content, "read for A rendered after switching to B")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late read never returned")
	}

	assert.Equal(t, []string{"user:mensagem de B:sent"}, rendered(e.Messages(ctx)))
}

func TestSwitchingSessionsClearsOverlay(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	e := newTestEngine(t, st, replyFunc(func(ctx context.Context, req ReplyRequest) (*Reply, error) {
		return nil, errors.New("down")
	}))

	require.Error(t, e.SendMessage(ctx, "Oi"))
	require.Equal(t, 1, e.overlay.Len())

	_, err := e.CreateNewSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, e.overlay.Len())
	assert.Empty(t, e.Messages(ctx))
}

func TestRealtimeInsertRefreshesView(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	e := newTestEngine(t, st, echoReplier(""))

	sess, err := e.CreateNewSession(ctx)
	require.NoError(t, err)
	require.Empty(t, e.Messages(ctx)) // primes the 30s cache

	changed := make(chan struct{}, 8)
	stop := e.Watch(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer stop()

	st.externalInsert(sess.ID, store.RoleAssistant, "Lembrete: fatura vence amanhã")

	require.Eventually(t, func() bool {
		msgs := e.Messages(ctx)
		return len(msgs) == 1 && msgs[0].Content == "Lembrete: fatura vence amanhã"
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("watchers were not notified")
	}
}

func TestRealtimeIgnoresOtherSessions(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	e := newTestEngine(t, st, echoReplier(""))

	other, _ := st.CreateSession(ctx, testUser)
	_, err := e.CreateNewSession(ctx)
	require.NoError(t, err)
	require.Empty(t, e.Messages(ctx))

	calls := st.reads()
	st.externalInsert(other.ID, store.RoleUser, "elsewhere")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, calls, st.reads())
	assert.Equal(t, 0, st.notifier.Subscribers(other.ID))
}

func TestDeleteActiveSessionCascadesAndUnsubscribes(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	e := newTestEngine(t, st, echoReplier("re: "))

	require.NoError(t, e.SendMessage(ctx, "Oi"))
	require.NoError(t, e.SendMessage(ctx, "Tudo bem?"))
	sessionID := e.ActiveSessionID()
	require.Equal(t, 1, st.notifier.Subscribers(sessionID))

	require.NoError(t, e.DeleteSession(ctx, sessionID))

	assert.Empty(t, e.ActiveSessionID())
	assert.Equal(t, 0, st.notifier.Subscribers(sessionID))
	msgs, _ := st.ListMessages(ctx, sessionID)
	assert.Empty(t, msgs)
	assert.Empty(t, e.Sessions(ctx))
}

func TestSessionsAreScopedToUser(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	foreign, _ := st.CreateSession(ctx, "someone-else")
	e := newTestEngine(t, st, echoReplier(""))

	assert.ErrorIs(t, e.SelectSession(ctx, foreign.ID), ErrSessionNotFound)
	assert.ErrorIs(t, e.DeleteSession(ctx, foreign.ID), ErrSessionNotFound)
	assert.ErrorIs(t, e.RenameSession(ctx, foreign.ID, "mine"), ErrSessionNotFound)
	assert.Empty(t, e.Sessions(ctx))
}

func TestRenameSession(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	e := newTestEngine(t, st, echoReplier(""))
	require.NoError(t, e.SendMessage(ctx, "Oi"))
	sessionID := e.ActiveSessionID()

	assert.ErrorIs(t, e.RenameSession(ctx, sessionID, "  "), ErrEmptyTitle)
	require.NoError(t, e.RenameSession(ctx, sessionID, "Financeiro"))

	sess, err := e.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Financeiro", sess.DisplayTitle())
}

func TestSessionsListDegradesToEmpty(t *testing.T) {
	st := newMemStore()
	st.failList = errTransport
	e := newTestEngine(t, st, echoReplier(""))

	sessions := e.Sessions(context.Background())
	assert.NotNil(t, sessions)
	assert.Empty(t, sessions)
}

func TestSessionsOrderedByRecency(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	clock := t0
	st.now = func() time.Time { clock = clock.Add(time.Second); return clock }
	e := newTestEngine(t, st, echoReplier("re: "))

	first, _ := e.CreateNewSession(ctx)
	second, _ := e.CreateNewSession(ctx)
	require.NoError(t, e.SelectSession(ctx, first.ID))
	require.NoError(t, e.SendMessage(ctx, "bump"))

	sessions := e.Sessions(ctx)
	require.Len(t, sessions, 2)
	assert.Equal(t, first.ID, sessions[0].ID)
	assert.Equal(t, 2, sessions[0].MessageCount)
	assert.Equal(t, second.ID, sessions[1].ID)
}

func TestReadDuringUserInsertDoesNotHideMessage(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	var e *Engine

	// A refresh that lands between the pre-insert invalidation and the
	// commit caches a list without the new row.
	st.beforeInsert = func(msg store.Message) {
		if msg.Role == store.RoleUser {
			_ = e.Messages(ctx)
		}
	}
	var duringReply []string
	e = newTestEngine(t, st, replyFunc(func(ctx context.Context, req ReplyRequest) (*Reply, error) {
		duringReply = rendered(e.Messages(ctx))
		return &Reply{Content: "Olá!"}, nil
	}))

	_, err := e.CreateNewSession(ctx)
	require.NoError(t, err)
	require.NoError(t, e.SendMessage(ctx, "Oi"))

	assert.Equal(t, []string{"user:Oi:sent"}, duringReply)
	assert.Equal(t, []string{"user:Oi:sent", "assistant:Olá!:sent"}, rendered(e.Messages(ctx)))
}

func TestConcurrentRetriesDeliverOnce(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()

	var failing atomic.Bool
	failing.Store(true)
	var replies atomic.Int32
	e := newTestEngine(t, st, replyFunc(func(ctx context.Context, req ReplyRequest) (*Reply, error) {
		if failing.Load() {
			return nil, errors.New("agent unavailable")
		}
		replies.Add(1)
		return &Reply{Content: "Olá!"}, nil
	}))

	require.ErrorIs(t, e.SendMessage(ctx, "Oi"), ErrReplyFailed)
	failedID := e.Messages(ctx)[0].ID
	failing.Store(false)

	const callers = 8
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- e.RetryMessage(ctx, failedID)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNotRetryable):
			rejected++
		default:
			t.Errorf("unexpected retry error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, rejected)
	assert.Equal(t, int32(1), replies.Load())
	assert.Equal(t, []string{"user:Oi:sent", "assistant:Olá!:sent"}, rendered(e.Messages(ctx)))
}
