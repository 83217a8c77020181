// ABOUTME: HTTP API tests for the gateway
// ABOUTME: Exercises auth gating, message flow, escalation, and claim conflicts

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/store"
)

const testJWTSecret = "test-secret-for-gateway"

func newTestGateway(t *testing.T, backendURL string) (*Gateway, *httptest.Server) {
	t.Helper()

	keyBytes := make([]byte, 32)
	_, err := rand.Read(keyBytes)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Auth.JWTSecret = testJWTSecret
	cfg.Vault.MasterKey = base64.StdEncoding.EncodeToString(keyBytes)
	cfg.Providers.Custom.BaseURL = backendURL
	cfg.Providers.RequestTimeout = 5 * time.Second

	g, err := New(cfg, nil)
	require.NoError(t, err)

	server := httptest.NewServer(g.httpServer.Handler)
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})

	return g, server
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := auth.NewJWTVerifier([]byte(testJWTSecret)).Generate(userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, method, url, bearer string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func seedModel(t *testing.T, g *Gateway) {
	t.Helper()
	require.NoError(t, g.store.CreateAIModel(context.Background(), &store.AIModel{
		ID:         "helper",
		Provider:   provider.KindCustom,
		Model:      "fake-model",
		Visibility: "public",
	}))
}

func fakeCompletionBackend(t *testing.T, content string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"choices": [{"message": {"role": "assistant", "content": %q}}],
			"model": "fake-model",
			"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
		}`, content)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHealthzUnauthenticated(t *testing.T) {
	_, server := newTestGateway(t, "")

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresAuth(t *testing.T) {
	_, server := newTestGateway(t, "")

	resp, err := http.Get(server.URL + "/api/conversations")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, server.URL+"/api/conversations", "not-a-token", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMessageFlow(t *testing.T) {
	backend := fakeCompletionBackend(t, "happy to help")
	g, server := newTestGateway(t, backend.URL)
	seedModel(t, g)

	alice := token(t, "alice", auth.RoleCustomer)

	// Start an AI conversation
	resp := doJSON(t, http.MethodPost, server.URL+"/api/conversations", alice,
		CreateConversationRequest{Kind: "ia", ModelID: "helper"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv ConversationResponse
	decodeBody(t, resp, &conv)
	assert.Equal(t, store.KindUserToIA, conv.Kind)

	// Send a message
	resp = doJSON(t, http.MethodPost, server.URL+"/api/messages", alice,
		SendMessageRequest{ConversationID: conv.ID, Content: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg MessageResponse
	decodeBody(t, resp, &msg)
	assert.Equal(t, "alice", msg.SenderID)

	g.conversations.Wait()

	// Fetch ordered history: user message then assistant reply
	resp = doJSON(t, http.MethodGet, server.URL+"/api/conversations/"+conv.ID+"/messages", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		Messages []MessageResponse `json:"messages"`
	}
	decodeBody(t, resp, &history)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "hello", history.Messages[0].Content)
	assert.Equal(t, store.SenderAssistant, history.Messages[1].SenderKind)
	assert.Equal(t, "happy to help", history.Messages[1].Content)
}

func TestShutdownBoundedWhileGenerating(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "late"}}], "model": "fake-model"}`)
	}))
	t.Cleanup(backend.Close)

	g, server := newTestGateway(t, backend.URL)
	// Registered after newTestGateway so the straggler is released before
	// the cleanup Shutdown waits on it.
	t.Cleanup(func() { close(release) })
	seedModel(t, g)
	alice := token(t, "alice", auth.RoleCustomer)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/conversations", alice,
		CreateConversationRequest{Kind: "ia", ModelID: "helper"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv ConversationResponse
	decodeBody(t, resp, &conv)

	resp = doJSON(t, http.MethodPost, server.URL+"/api/messages", alice,
		SendMessageRequest{ConversationID: conv.ID, Content: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// The backend is still holding the generation; shutdown must honor its
	// deadline instead of waiting out the whole turn.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_ = g.Shutdown(ctx)
	assert.Less(t, time.Since(start), 2*time.Second, "shutdown blocked on an in-flight generation")
}

func TestMessageValidation(t *testing.T) {
	_, server := newTestGateway(t, "")
	alice := token(t, "alice", auth.RoleCustomer)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/messages", alice,
		SendMessageRequest{Content: "no conversation"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, server.URL+"/api/messages", alice,
		SendMessageRequest{ConversationID: "missing", Content: "hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStrangerCannotReadConversation(t *testing.T) {
	backend := fakeCompletionBackend(t, "hi")
	g, server := newTestGateway(t, backend.URL)
	seedModel(t, g)

	alice := token(t, "alice", auth.RoleCustomer)
	resp := doJSON(t, http.MethodPost, server.URL+"/api/conversations", alice,
		CreateConversationRequest{Kind: "ia", ModelID: "helper"})
	var conv ConversationResponse
	decodeBody(t, resp, &conv)

	mallory := token(t, "mallory", auth.RoleCustomer)
	resp = doJSON(t, http.MethodGet, server.URL+"/api/conversations/"+conv.ID+"/messages", mallory, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEscalateAndClaim(t *testing.T) {
	backend := fakeCompletionBackend(t, "hi")
	g, server := newTestGateway(t, backend.URL)
	seedModel(t, g)

	alice := token(t, "alice", auth.RoleCustomer)
	resp := doJSON(t, http.MethodPost, server.URL+"/api/conversations", alice,
		CreateConversationRequest{Kind: "ia", ModelID: "helper"})
	var conv ConversationResponse
	decodeBody(t, resp, &conv)

	// Customer escalates
	resp = doJSON(t, http.MethodPost, server.URL+"/api/conversations/"+conv.ID+"/escalate", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var escalated ConversationResponse
	decodeBody(t, resp, &escalated)
	assert.True(t, escalated.Escalated)

	// Double escalation conflicts
	resp = doJSON(t, http.MethodPost, server.URL+"/api/conversations/"+conv.ID+"/escalate", alice, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The queue is visible to agents only
	agentTok := token(t, "agent-1", auth.RoleAgent)
	resp = doJSON(t, http.MethodGet, server.URL+"/api/escalations", alice, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, server.URL+"/api/escalations", agentTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var queue struct {
		Escalations []ConversationResponse `json:"escalations"`
	}
	decodeBody(t, resp, &queue)
	require.Len(t, queue.Escalations, 1)

	// First claim wins
	resp = doJSON(t, http.MethodPost, server.URL+"/api/conversations/"+conv.ID+"/claim", agentTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claimed ConversationResponse
	decodeBody(t, resp, &claimed)
	assert.Equal(t, "agent-1", claimed.AgentID)
	assert.Equal(t, store.KindUserToAgent, claimed.Kind)

	// Second claim gets the polite conflict
	otherAgent := token(t, "agent-2", auth.RoleAgent)
	resp = doJSON(t, http.MethodPost, server.URL+"/api/conversations/"+conv.ID+"/claim", otherAgent, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var conflict map[string]string
	decodeBody(t, resp, &conflict)
	assert.Equal(t, "this chat was just claimed by someone else", conflict["error"])
}

func TestEventStream(t *testing.T) {
	backend := fakeCompletionBackend(t, "streamed reply")
	g, server := newTestGateway(t, backend.URL)
	seedModel(t, g)

	alice := token(t, "alice", auth.RoleCustomer)
	resp := doJSON(t, http.MethodPost, server.URL+"/api/conversations", alice,
		CreateConversationRequest{Kind: "ia", ModelID: "helper"})
	var conv ConversationResponse
	decodeBody(t, resp, &conv)

	// Open the stream and wait for the handshake event
	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+alice)

	streamResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	assert.Equal(t, "text/event-stream", streamResp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(streamResp.Body)
	require.Equal(t, "connected", nextSSEEventType(t, scanner))

	// A send shows up on the stream
	sendResp := doJSON(t, http.MethodPost, server.URL+"/api/messages", alice,
		SendMessageRequest{ConversationID: conv.ID, Content: "ping"})
	require.Equal(t, http.StatusCreated, sendResp.StatusCode)
	sendResp.Body.Close()

	assert.Equal(t, "new-message", nextSSEEventType(t, scanner))

	// Followed by the assistant's reply
	g.conversations.Wait()
	assert.Equal(t, "new-message", nextSSEEventType(t, scanner))
}

// nextSSEEventType reads lines until the next "event:" field.
func nextSSEEventType(t *testing.T, scanner *bufio.Scanner) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	lines := make(chan string, 1)
	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				lines <- strings.TrimPrefix(line, "event: ")
				return
			}
		}
	}()

	select {
	case line := <-lines:
		return line
	case <-deadline:
		t.Fatal("timed out waiting for SSE event")
		return ""
	}
}
