// ABOUTME: Tests for the conversation service and AI orchestrator
// ABOUTME: Drives a fake OpenAI-compatible backend through the provider registry

package conversation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/modelkey"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/vault"
)

func customer(id string) *auth.Identity {
	return &auth.Identity{UserID: id, Role: auth.RoleCustomer}
}

func newTestService(t *testing.T, backendURL string, tools []provider.ToolSpec) (*Service, store.Store, *Broadcaster) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	keyBytes := make([]byte, 32)
	_, err = rand.Read(keyBytes)
	require.NoError(t, err)
	v, err := vault.New(base64.StdEncoding.EncodeToString(keyBytes))
	require.NoError(t, err)

	registry := provider.NewRegistry("", backendURL, 5*time.Second, nil)
	keys := modelkey.NewService(st, v, nil)
	broadcaster := NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)

	svc := NewService(st, registry, keys, broadcaster, tools, nil)
	return svc, st, broadcaster
}

func createAIModel(t *testing.T, st store.Store, id string, supportsTools bool) {
	t.Helper()
	require.NoError(t, st.CreateAIModel(context.Background(), &store.AIModel{
		ID:            id,
		Provider:      provider.KindCustom,
		Model:         "fake-model",
		SystemPrompt:  "You are a support assistant.",
		SupportsTools: supportsTools,
		Visibility:    "public",
	}))
}

// fakeBackend serves OpenAI-style chat completions.
func fakeBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func completionJSON(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"model": "fake-model",
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14},
	})
	return string(body)
}

func TestSendMessageGeneratesReply(t *testing.T) {
	var gotReq map[string]any
	backend := fakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON("Your order ships tomorrow.")))
	})

	svc, st, broadcaster := newTestService(t, backend.URL, nil)
	ctx := context.Background()
	alice := customer("alice")

	createAIModel(t, st, "helper", false)
	conv, err := svc.StartAIConversation(ctx, alice, "helper")
	require.NoError(t, err)

	events, _ := broadcaster.Subscribe(context.Background(), UserTopic("alice"))

	msg, err := svc.SendMessage(ctx, alice, conv.ID, "where is my order?")
	require.NoError(t, err)
	assert.Equal(t, store.SenderUser, msg.SenderKind)

	svc.Wait()

	// Exactly one assistant message was appended after the user's
	history, err := st.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "where is my order?", history[0].Content)
	assert.Equal(t, store.SenderAssistant, history[1].SenderKind)
	assert.Equal(t, "Your order ships tomorrow.", history[1].Content)

	// The customer saw both deliveries
	var types []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{EventMessage, EventMessage}, types)

	// The backend saw the system prompt and the user turn, no tools
	messages := gotReq["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Nil(t, gotReq["tools"])

	// Assistant activity marks the customer side unread
	updated, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CustomerUnread)
}

func TestSendMessageUpstreamFailure(t *testing.T) {
	calls := 0
	backend := fakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON("recovered")))
	})

	svc, st, broadcaster := newTestService(t, backend.URL, nil)
	ctx := context.Background()
	alice := customer("alice")

	createAIModel(t, st, "helper", false)
	conv, err := svc.StartAIConversation(ctx, alice, "helper")
	require.NoError(t, err)

	events, _ := broadcaster.Subscribe(context.Background(), UserTopic("alice"))

	_, err = svc.SendMessage(ctx, alice, conv.ID, "hello?")
	require.NoError(t, err)
	svc.Wait()

	// No assistant message for a failed turn
	history, err := st.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	// The customer got the message echo and then an error notice
	var sawError bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Type == EventError {
				sawError = true
				assert.NotEmpty(t, ev.Payload["error"])
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.True(t, sawError, "expected an error notice")
	assert.Equal(t, 1, calls, "no hidden retry")

	// The conversation returned to idle: the next send works
	_, err = svc.SendMessage(ctx, alice, conv.ID, "still there?")
	require.NoError(t, err)
	svc.Wait()

	history, err = st.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "recovered", history[2].Content)
}

func TestSendMessageWhileGenerating(t *testing.T) {
	release := make(chan struct{})
	backend := fakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON("done")))
	})

	svc, st, _ := newTestService(t, backend.URL, nil)
	ctx := context.Background()
	alice := customer("alice")

	createAIModel(t, st, "helper", false)
	conv, err := svc.StartAIConversation(ctx, alice, "helper")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, alice, conv.ID, "first")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, alice, conv.ID, "second")
	assert.ErrorIs(t, err, ErrGenerationInFlight)

	close(release)
	svc.Wait()

	// The rejected send persisted nothing
	history, err := st.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestSendMessageEscalatedSkipsGeneration(t *testing.T) {
	calls := 0
	backend := fakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON("should never be sent")))
	})

	svc, st, broadcaster := newTestService(t, backend.URL, nil)
	ctx := context.Background()
	alice := customer("alice")

	createAIModel(t, st, "helper", false)
	conv, err := svc.StartAIConversation(ctx, alice, "helper")
	require.NoError(t, err)
	require.NoError(t, st.MarkEscalated(ctx, conv.ID, time.Now()))

	pool, _ := broadcaster.Subscribe(context.Background(), AgentPoolTopic)

	_, err = svc.SendMessage(ctx, alice, conv.ID, "anyone there?")
	require.NoError(t, err)
	svc.Wait()

	// Waiting for a human: the message persists and reaches the agent
	// pool, but no assistant turn runs.
	history, err := st.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.SenderUser, history[0].SenderKind)
	assert.Zero(t, calls, "backend invoked while waiting for a human")

	select {
	case ev := <-pool:
		assert.Equal(t, EventMessage, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("agent pool never saw the message")
	}

	// No generation slot is held, so follow-up sends are not rejected
	_, err = svc.SendMessage(ctx, alice, conv.ID, "hello??")
	require.NoError(t, err)
	svc.Wait()
	assert.Zero(t, calls)
}

func TestConcurrentSendsDeliverInOrder(t *testing.T) {
	backend := fakeBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	svc, st, broadcaster := newTestService(t, backend.URL, nil)
	ctx := context.Background()
	alice := customer("alice")
	bob := customer("bob")

	conv, err := svc.StartDirectConversation(ctx, alice, "bob")
	require.NoError(t, err)

	observer, _ := broadcaster.Subscribe(context.Background(), UserTopic("alice"))

	const perSender = 15
	var wg sync.WaitGroup
	for _, sender := range []*auth.Identity{alice, bob} {
		sender := sender
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := svc.SendMessage(ctx, sender, conv.ID, sender.UserID)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	var seen []string
	for i := 0; i < 2*perSender; i++ {
		select {
		case ev := <-observer:
			seen = append(seen, ev.Message.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", len(seen))
		}
	}

	history, err := st.ListMessages(ctx, conv.ID, 2*perSender)
	require.NoError(t, err)
	require.Len(t, history, 2*perSender)

	want := make([]string, 0, len(history))
	for _, m := range history {
		want = append(want, m.ID)
	}
	assert.Equal(t, want, seen, "broadcast order diverged from insertion order")
}

func TestToolCallsPersisted(t *testing.T) {
	backend := fakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{
					"id": "call_1",
					"type": "function",
					"function": {"name": "lookup_order", "arguments": "{\"order_id\":\"ORD-7\"}"}
				}]
			}}],
			"model": "fake-model",
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`))
	})

	tools := []provider.ToolSpec{{
		Name:           "lookup_order",
		Description:    "Look up an order by id",
		ParametersJSON: `{"type":"object","properties":{"order_id":{"type":"string"}}}`,
	}}
	svc, st, _ := newTestService(t, backend.URL, tools)
	ctx := context.Background()
	alice := customer("alice")

	createAIModel(t, st, "helper", true)
	conv, err := svc.StartAIConversation(ctx, alice, "helper")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, alice, conv.ID, "find ORD-7")
	require.NoError(t, err)
	svc.Wait()

	history, err := st.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	reply := history[1]
	assert.Empty(t, reply.Content)
	require.NotEmpty(t, reply.ToolCallsJSON)

	var calls []provider.ToolCall
	require.NoError(t, json.Unmarshal([]byte(reply.ToolCallsJSON), &calls))
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup_order", calls[0].Name)
	assert.JSONEq(t, `{"order_id":"ORD-7"}`, calls[0].ArgumentsJSON)
}

func TestStartAIConversationResumes(t *testing.T) {
	backend := fakeBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	svc, st, _ := newTestService(t, backend.URL, nil)
	ctx := context.Background()
	alice := customer("alice")

	createAIModel(t, st, "helper", false)

	first, err := svc.StartAIConversation(ctx, alice, "helper")
	require.NoError(t, err)
	second, err := svc.StartAIConversation(ctx, alice, "helper")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same model resumes the same conversation")

	// A different model starts a fresh thread
	createAIModel(t, st, "other", false)
	third, err := svc.StartAIConversation(ctx, alice, "other")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestStartAIConversationHiddenModel(t *testing.T) {
	backend := fakeBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	svc, st, _ := newTestService(t, backend.URL, nil)
	ctx := context.Background()

	require.NoError(t, st.CreateAIModel(ctx, &store.AIModel{
		ID:         "internal",
		Provider:   provider.KindCustom,
		Model:      "fake-model",
		Visibility: "admin",
	}))

	_, err := svc.StartAIConversation(ctx, customer("alice"), "internal")
	assert.ErrorIs(t, err, ErrModelNotUsable)

	admin := &auth.Identity{UserID: "root", Role: auth.RoleAdmin}
	_, err = svc.StartAIConversation(ctx, admin, "internal")
	require.NoError(t, err)
}

func TestHistoryAccessControl(t *testing.T) {
	backend := fakeBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	svc, st, _ := newTestService(t, backend.URL, nil)
	ctx := context.Background()
	alice := customer("alice")

	createAIModel(t, st, "helper", false)
	conv, err := svc.StartAIConversation(ctx, alice, "helper")
	require.NoError(t, err)

	_, err = svc.History(ctx, customer("mallory"), conv.ID, 10)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = svc.SendMessage(ctx, customer("mallory"), conv.ID, "hi")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestHistoryResetsUnread(t *testing.T) {
	backend := fakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON("hello")))
	})
	svc, st, _ := newTestService(t, backend.URL, nil)
	ctx := context.Background()
	alice := customer("alice")

	createAIModel(t, st, "helper", false)
	conv, err := svc.StartAIConversation(ctx, alice, "helper")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, alice, conv.ID, "hi")
	require.NoError(t, err)
	svc.Wait()

	updated, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.CustomerUnread)

	_, err = svc.History(ctx, alice, conv.ID, 10)
	require.NoError(t, err)

	updated, err = st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.CustomerUnread)
}

func TestTypingRelay(t *testing.T) {
	backend := fakeBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	svc, _, broadcaster := newTestService(t, backend.URL, nil)
	ctx := context.Background()
	alice := customer("alice")

	conv, err := svc.StartDirectConversation(ctx, alice, "bob")
	require.NoError(t, err)

	aliceEvents, _ := broadcaster.Subscribe(context.Background(), UserTopic("alice"))
	bobEvents, _ := broadcaster.Subscribe(context.Background(), UserTopic("bob"))

	require.NoError(t, svc.Typing(ctx, alice, conv.ID, true))

	select {
	case ev := <-bobEvents:
		assert.Equal(t, EventTyping, ev.Type)
		assert.Equal(t, "alice", ev.SenderID)
		assert.Equal(t, true, ev.Payload["active"])
	case <-time.After(time.Second):
		t.Fatal("bob never saw the typing signal")
	}

	select {
	case <-aliceEvents:
		t.Fatal("typing signal echoed back to the sender")
	case <-time.After(50 * time.Millisecond):
	}
}
