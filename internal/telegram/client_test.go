package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"

	"github.com/edgard/supportbot/internal/dispatch"
	"github.com/edgard/supportbot/internal/logger"
)

type apiStub struct {
	mu      sync.Mutex
	methods []string
	texts   []string
	status  int
	body    string
}

func (s *apiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	_ = r.ParseMultipartForm(1 << 20)

	s.mu.Lock()
	s.methods = append(s.methods, method)
	s.texts = append(s.texts, r.FormValue("text"))
	status, body := s.status, s.body
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
		return
	}
	switch method {
	case "sendMessage":
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":10,"type":"private"}}}`)
	default:
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	}
}

func newTestClient(t *testing.T, stub *apiStub) *Client {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	c, err := New("123:test", logger.Discard(), bot.WithServerURL(srv.URL), bot.WithSkipGetMe())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	stub := &apiStub{}
	c := newTestClient(t, stub)

	id, err := c.SendMessage(context.Background(), "10", "hello", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != 7 {
		t.Errorf("message id = %d, want 7", id)
	}
	if len(stub.methods) != 1 || stub.methods[0] != "sendMessage" || stub.texts[0] != "hello" {
		t.Fatalf("calls = %v %v", stub.methods, stub.texts)
	}
}

func TestSendMessageErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "forbidden", status: 403, body: `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, want: dispatch.ErrDeliveryBlocked},
		{name: "bad request", status: 400, body: `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, want: dispatch.ErrDeliveryBlocked},
		{name: "server error", status: 500, body: `{"ok":false,"error_code":500,"description":"Internal Server Error"}`, want: dispatch.ErrDeliveryTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, &apiStub{status: tc.status, body: tc.body})
			_, err := c.SendMessage(context.Background(), "10", "hello", "")
			if !errors.Is(err, tc.want) {
				t.Fatalf("SendMessage error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSendMessageSplitsLongText(t *testing.T) {
	t.Parallel()
	stub := &apiStub{}
	c := newTestClient(t, stub)

	text := strings.Repeat("é", MaxMessageLength+10)
	if _, err := c.SendMessage(context.Background(), "10", text, ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(stub.texts) != 2 {
		t.Fatalf("sent %d messages, want 2", len(stub.texts))
	}
	if n := len([]rune(stub.texts[1])); n != 10 {
		t.Fatalf("second part has %d runes, want 10", n)
	}
}

func TestChatActions(t *testing.T) {
	t.Parallel()
	stub := &apiStub{}
	c := newTestClient(t, stub)
	ctx := context.Background()

	if err := c.SendTyping(ctx, "10", "conn"); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if err := c.AnswerCallback(ctx, "cb"); err != nil {
		t.Fatalf("AnswerCallback: %v", err)
	}
	if err := c.RegisterWebhook(ctx, "https://example.com/webhook", "s3cret"); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}
	if err := c.DeleteWebhook(ctx); err != nil {
		t.Fatalf("DeleteWebhook: %v", err)
	}
	want := []string{"sendChatAction", "answerCallbackQuery", "setWebhook", "deleteWebhook"}
	if fmt.Sprint(stub.methods) != fmt.Sprint(want) {
		t.Fatalf("methods = %v, want %v", stub.methods, want)
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("abc", 10); len(got) != 1 || got[0] != "abc" {
		t.Fatalf("splitText short = %q", got)
	}
	if got := splitText("abcdefg", 3); fmt.Sprint(got) != "[abc def g]" {
		t.Fatalf("splitText long = %q", got)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New("", logger.Discard()); err == nil {
		t.Fatal("New accepted an empty token")
	}
}
