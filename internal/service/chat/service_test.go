package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/koder/backend/internal/config"
	model "github.com/zhouzirui/koder/backend/internal/model/chat"
	"github.com/zhouzirui/koder/backend/internal/model/provider"
	chat "github.com/zhouzirui/koder/backend/internal/service/chat"
	"github.com/zhouzirui/koder/backend/internal/service/chat/chattest"
	"github.com/zhouzirui/koder/backend/internal/service/runner"
	"github.com/zhouzirui/koder/backend/internal/service/session"
)

func providers() provider.Store {
	return provider.NewMemoryStore(provider.Seed(config.ProviderConfig{
		ClaudeBinary:        "claude",
		OpencodeBinary:      "/usr/local/bin/opencode",
		OpencodeInterpreter: "python3",
	}))
}

func newService(exec *chattest.Executor, opts chat.Options) (*chat.Service, *session.Store) {
	store := session.NewStore()
	return chat.NewService(store, providers(), exec, opts), store
}

func TestChatCreatesSession(t *testing.T) {
	exec := &chattest.Executor{Output: "hi there"}
	svc, store := newService(exec, chat.Options{})

	resp, err := svc.Chat(context.Background(), model.Request{Message: "hello", Path: "/tmp/demo"})
	require.NoError(t, err)

	assert.Equal(t, "hi there", resp.Response)
	assert.Equal(t, provider.Claude, resp.Provider)
	require.NotEmpty(t, resp.SessionID)
	assert.Equal(t, 1, store.Count())

	sess, err := store.Lookup(resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/demo", sess.Path)

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "claude", calls[0].Name)
	assert.Equal(t, []string{"--session-id", resp.SessionID, "--", "hello"}, calls[0].Args)
	assert.Equal(t, "/tmp/demo", calls[0].Dir)
}

func TestChatIssuesFreshSessionPerFirstTurn(t *testing.T) {
	exec := &chattest.Executor{Output: "ok"}
	svc, store := newService(exec, chat.Options{})

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		resp, err := svc.Chat(context.Background(), model.Request{Message: "hello", Path: "/tmp/demo"})
		require.NoError(t, err)
		assert.False(t, seen[resp.SessionID])
		seen[resp.SessionID] = true
	}
	assert.Equal(t, 10, store.Count())
}

func TestChatValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    chat.Options
		req     model.Request
		wantMsg string
	}{
		{name: "missing message", req: model.Request{Path: "/tmp/demo"}, wantMsg: "message required"},
		{name: "blank message", req: model.Request{Message: " \n\t", Path: "/tmp/demo"}, wantMsg: "message required"},
		{name: "missing path", req: model.Request{Message: "hello"}, wantMsg: "path required"},
		{name: "unknown provider", req: model.Request{Message: "hello", Path: "/tmp/demo", Provider: "gemini"}, wantMsg: "unsupported provider: gemini"},
		{
			name:    "path outside allow list",
			opts:    chat.Options{AllowedPaths: []string{"/srv/repos"}},
			req:     model.Request{Message: "hello", Path: "/etc"},
			wantMsg: "path not allowed: /etc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &chattest.Executor{Output: "ok"}
			svc, store := newService(exec, tt.opts)

			_, err := svc.Chat(context.Background(), tt.req)
			var vErr *chat.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.wantMsg, vErr.Message)
			assert.Zero(t, store.Count(), "no session may be created")
			assert.Empty(t, exec.Calls(), "no process may be spawned")
		})
	}
}

func TestChatAllowedPathIsCleaned(t *testing.T) {
	exec := &chattest.Executor{Output: "ok"}
	svc, _ := newService(exec, chat.Options{AllowedPaths: []string{"/srv/repos/"}})

	_, err := svc.Chat(context.Background(), model.Request{Message: "hello", Path: "/srv/repos"})
	assert.NoError(t, err)
}

func TestChatSelectsProvider(t *testing.T) {
	exec := &chattest.Executor{Output: "ok"}
	svc, store := newService(exec, chat.Options{DefaultProvider: provider.Opencode})

	resp, err := svc.Chat(context.Background(), model.Request{Message: "hello", Path: "/tmp/demo"})
	require.NoError(t, err)
	assert.Equal(t, provider.Opencode, resp.Provider)

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "python3", calls[0].Name)
	assert.Equal(t, []string{"/usr/local/bin/opencode", "hello", "--session", resp.SessionID}, calls[0].Args)
	_, byProvider := store.Stats()
	assert.Equal(t, map[string]int{provider.Opencode: 1}, byProvider)
}

func TestChatContinuesLiveSession(t *testing.T) {
	exec := &chattest.Executor{Output: "ok"}
	svc, store := newService(exec, chat.Options{})

	sess, err := store.Create("/srv/repos/app", provider.Claude)
	require.NoError(t, err)

	resp, err := svc.Chat(context.Background(), model.Request{
		Message:   "next",
		Path:      "/srv/repos/other",
		SessionID: sess.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, resp.SessionID)
	assert.Equal(t, 1, store.Count())

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"--session-id", sess.ID, "--", "next"}, calls[0].Args)
	assert.Equal(t, "/srv/repos/app", calls[0].Dir, "live sessions keep their creation path")
}

func TestChatUnknownSessionRunsWithoutHistory(t *testing.T) {
	exec := &chattest.Executor{Output: "ok"}
	svc, store := newService(exec, chat.Options{})

	resp, err := svc.Chat(context.Background(), model.Request{
		Message:   "hello",
		Path:      "/tmp/demo",
		SessionID: "stale-id",
	})
	require.NoError(t, err)
	assert.Equal(t, "stale-id", resp.SessionID)
	assert.Zero(t, store.Count())

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"--", "hello"}, calls[0].Args)
	assert.Equal(t, "/tmp/demo", calls[0].Dir)
}

func TestChatUnknownSessionRejected(t *testing.T) {
	exec := &chattest.Executor{Output: "ok"}
	svc, _ := newService(exec, chat.Options{RejectUnknownSessions: true})

	_, err := svc.Chat(context.Background(), model.Request{
		Message:   "hello",
		Path:      "/tmp/demo",
		SessionID: "stale-id",
	})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Empty(t, exec.Calls())
}

func TestChatFailureKeepsSession(t *testing.T) {
	exec := &chattest.Executor{Err: &runner.ExecutionError{Command: "claude", ExitCode: 1, Stderr: "boom"}}
	svc, store := newService(exec, chat.Options{})

	resp, err := svc.Chat(context.Background(), model.Request{Message: "hello", Path: "/tmp/demo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	require.NotEmpty(t, resp.SessionID)

	_, lookupErr := store.Lookup(resp.SessionID)
	assert.NoError(t, lookupErr, "a failed turn must not end the session")
}

func TestChatSerializesTurnsPerSession(t *testing.T) {
	gate := make(chan struct{})
	exec := &chattest.Executor{Output: "ok", Gate: gate}
	svc, store := newService(exec, chat.Options{SerializeTurns: true})

	sess, err := store.Create("/tmp/demo", provider.Claude)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Chat(context.Background(), model.Request{Message: "hi", Path: "/tmp/demo", SessionID: sess.ID})
			assert.NoError(t, err)
		}()
	}

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool { return exec.Running() == 1 }, time.Second, time.Millisecond)
		gate <- struct{}{}
	}
	wg.Wait()

	assert.Equal(t, 1, exec.Peak())
	assert.Len(t, exec.Calls(), 3)
}

func TestChatDifferentSessionsRunConcurrently(t *testing.T) {
	gate := make(chan struct{})
	exec := &chattest.Executor{Output: "ok", Gate: gate}
	svc, _ := newService(exec, chat.Options{SerializeTurns: true})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Chat(context.Background(), model.Request{Message: "hi", Path: "/tmp/demo"})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return exec.Running() == 2 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()
}

func TestChatWaitingTurnHonoursCancellation(t *testing.T) {
	gate := make(chan struct{})
	exec := &chattest.Executor{Output: "ok", Gate: gate}
	svc, store := newService(exec, chat.Options{SerializeTurns: true})

	sess, err := store.Create("/tmp/demo", provider.Claude)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Chat(context.Background(), model.Request{Message: "first", Path: "/tmp/demo", SessionID: sess.ID})
	}()
	require.Eventually(t, func() bool { return exec.Running() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = svc.Chat(ctx, model.Request{Message: "second", Path: "/tmp/demo", SessionID: sess.ID})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	<-done
	assert.Len(t, exec.Calls(), 1)
}

func TestChatStreamHooks(t *testing.T) {
	exec := &chattest.Executor{Output: "hello world", Chunks: []string{"hello ", "world"}}
	svc, _ := newService(exec, chat.Options{})

	var events []string
	resp, err := svc.ChatStream(context.Background(), model.Request{Message: "hi", Path: "/tmp/demo"}, chat.StreamHooks{
		OnSession: func(sessionID, providerID string) {
			events = append(events, "session:"+providerID)
		},
		OnChunk: func(chunk string) {
			events = append(events, "chunk:"+chunk)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Response)
	assert.Equal(t, []string{"session:claude", "chunk:hello ", "chunk:world"}, events)
}

func TestEndSession(t *testing.T) {
	svc, store := newService(&chattest.Executor{}, chat.Options{})
	sess, err := store.Create("/tmp/demo", provider.Claude)
	require.NoError(t, err)

	assert.NoError(t, svc.EndSession(context.Background(), sess.ID))
	err = svc.EndSession(context.Background(), sess.ID)
	assert.True(t, errors.Is(err, session.ErrSessionNotFound))
}

func TestHealth(t *testing.T) {
	svc, store := newService(&chattest.Executor{}, chat.Options{})
	_, err := store.Create("/a", provider.Claude)
	require.NoError(t, err)
	_, err = store.Create("/b", provider.Opencode)
	require.NoError(t, err)

	health := svc.Health()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.ActiveSessions)
	assert.Equal(t, map[string]int{provider.Claude: 1, provider.Opencode: 1}, health.SessionStats)
}
