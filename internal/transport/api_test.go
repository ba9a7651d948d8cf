package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mvalerio/chatsync/internal/bus"
	"github.com/mvalerio/chatsync/internal/clock"
	"github.com/mvalerio/chatsync/internal/token"
	"go.uber.org/zap"
)

func testTokens(t *testing.T) *token.Handler {
	t.Helper()
	h := token.NewHandler(token.HandlerConfig{
		Flow: token.RefreshFlowConfig{AttemptTimeout: time.Second, MaximumAttempts: 1},
	}, clock.System(), bus.New(), zap.NewNop())
	h.SetConnectionProvider(token.ConnectionProvider{UserID: "u1"})
	if err := h.SetToken(token.Token{RawValue: "tkn", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Close)
	return h
}

func TestSendMessage(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq messageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{"message": {"id": "srv-1", "text": "hello!", "created_at": 1700000000000}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testTokens(t), zap.NewNop())
	res, err := c.SendMessage(context.Background(), "general", "m1", "hello")
	if err != nil {
		t.Fatal(err)
	}

	if gotPath != "POST /channels/general/messages" {
		t.Errorf("request = %s", gotPath)
	}
	if gotAuth != "Bearer tkn" {
		t.Errorf("auth = %s", gotAuth)
	}
	if gotReq.Message.ID != "m1" || gotReq.Message.Text != "hello" {
		t.Errorf("request body = %+v", gotReq)
	}
	if res.ServerMsgID != "srv-1" || res.CanonicalBody != "hello!" || res.Timestamp != 1700000000000 {
		t.Errorf("result = %+v", res)
	}
}

func TestUpdateMessage(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		_, _ = w.Write([]byte(`{"message": {"id": "srv-1"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testTokens(t), zap.NewNop())
	if _, err := c.UpdateMessage(context.Background(), "general", "m1", "edited"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "PUT /channels/general/messages/m1" {
		t.Errorf("request = %s", gotPath)
	}
}

func TestSendMessageErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": "channel frozen"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testTokens(t), zap.NewNop())
	if _, err := c.SendMessage(context.Background(), "general", "m1", "hi"); err == nil {
		t.Fatal("want error for 403 response")
	}
}

func TestSendMessageWithoutToken(t *testing.T) {
	h := token.NewHandler(token.HandlerConfig{
		Flow: token.RefreshFlowConfig{AttemptTimeout: time.Second, MaximumAttempts: 1},
	}, clock.System(), bus.New(), zap.NewNop())
	t.Cleanup(h.Close)

	c := NewClient("http://unused.invalid", h, zap.NewNop())
	_, err := c.SendMessage(context.Background(), "general", "m1", "hi")
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
}

func TestEventsSince(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[{"type": "message.new", "cid": "general", "message_id": "m1", "user_id": "u2", "created_at": 5000}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testTokens(t), zap.NewNop())
	data, err := c.EventsSince(context.Background(), 4000)
	if err != nil {
		t.Fatal(err)
	}

	if gotPath != "GET /events" || gotQuery != "since=4000" {
		t.Errorf("request = %s?%s", gotPath, gotQuery)
	}
	if gotAuth != "Bearer tkn" {
		t.Errorf("auth = %s", gotAuth)
	}
	if len(data) == 0 || data[0] != '[' {
		t.Errorf("body = %q, want the raw event batch", data)
	}
}

func TestTokenFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path != "/auth/token" || body["user_id"] != "u1" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"token": "fresh", "expires_at": 1900000000000}`))
	}))
	defer srv.Close()

	fetch := NewTokenFetcher(srv.URL, zap.NewNop())
	done := make(chan struct{})
	var got token.Token
	var gotErr error
	fetch("u1", func(tok token.Token, err error) {
		got, gotErr = tok, err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch completion never arrived")
	}
	if gotErr != nil {
		t.Fatal(gotErr)
	}
	if got.RawValue != "fresh" || got.UserID != "u1" || got.ExpiresAt.UnixMilli() != 1900000000000 {
		t.Errorf("token = %+v", got)
	}
}

func TestTokenFetcherEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	fetch := NewTokenFetcher(srv.URL, zap.NewNop())
	done := make(chan error, 1)
	fetch("u1", func(_ token.Token, err error) { done <- err })

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("want error for empty token response")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch completion never arrived")
	}
}
