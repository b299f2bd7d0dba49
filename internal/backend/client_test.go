package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leonletto/tghistory/internal/types"
)

// mockBackend is a minimal telegram-cli stand-in listening on loopback.
type mockBackend struct {
	listener net.Listener

	mu       sync.Mutex
	commands []string
}

// newMockBackend answers each command line with whatever reply returns.
// An empty reply closes the connection without answering.
func newMockBackend(t *testing.T, reply func(command string) string) *mockBackend {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}

	m := &mockBackend{listener: listener}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go m.serve(conn, reply)
		}
	}()

	return m
}

func (m *mockBackend) serve(conn net.Conn, reply func(string) string) {
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		command := strings.TrimSpace(line)

		m.mu.Lock()
		m.commands = append(m.commands, command)
		m.mu.Unlock()

		body := reply(command)
		if body == "" {
			return
		}
		if _, err := fmt.Fprintf(conn, "ANSWER %d\n%s", len(body)+1, body+"\n"); err != nil {
			return
		}
	}
}

func (m *mockBackend) addr() string {
	return m.listener.Addr().String()
}

func (m *mockBackend) received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func TestClient_ListDialogs(t *testing.T) {
	m := newMockBackend(t, func(command string) string {
		return `[{"id":"$05000000a1","peer_type":"channel","print_name":"Go_Nuts"},` +
			`{"id":1234,"peer_type":"user","print_name":"Alice"},` +
			`{"id":"$02000000b2","peer_type":"encr_chat","print_name":"!_Bob"}]`
	})

	client := NewClient(m.addr())
	defer func() { _ = client.Close() }()

	dialogs, err := client.ListDialogs(context.Background(), 999)
	if err != nil {
		t.Fatalf("ListDialogs failed: %v", err)
	}

	if got := m.received(); len(got) != 1 || got[0] != "dialog_list 999" {
		t.Fatalf("unexpected commands: %v", got)
	}

	want := []types.Dialog{
		{ID: "$05000000a1", DisplayName: "Go_Nuts", Kind: types.KindSupergroup},
		{ID: "1234", DisplayName: "Alice", Kind: types.KindUser},
		{ID: "$02000000b2", DisplayName: "!_Bob", Kind: types.KindEncryptedChat},
	}
	if len(dialogs) != len(want) {
		t.Fatalf("expected %d dialogs, got %d", len(want), len(dialogs))
	}
	for i := range want {
		if dialogs[i] != want[i] {
			t.Errorf("dialog %d: got %+v, want %+v", i, dialogs[i], want[i])
		}
	}
}

func TestClient_FetchHistoryPage(t *testing.T) {
	m := newMockBackend(t, func(command string) string {
		// oldest-first within the page, as telegram-cli prints it
		return `[{"id":1,"from":{"id":7,"username":"a"},"text":"one"},` +
			`{"id":2,"from":{"id":8,"username":"b"},"text":"two"}]`
	})

	client := NewClient(m.addr())
	defer func() { _ = client.Close() }()

	res, err := client.FetchHistoryPage(context.Background(), "$05000000a1", 100, 200)
	if err != nil {
		t.Fatalf("FetchHistoryPage failed: %v", err)
	}
	if res.End {
		t.Fatal("expected a page, got end of history")
	}

	if got := m.received(); got[0] != "history $05000000a1 100 200" {
		t.Errorf("unexpected command: %q", got[0])
	}

	if len(res.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(res.Messages))
	}
	if res.Messages[0].ID != "2" || res.Messages[1].ID != "1" {
		t.Errorf("expected newest-first page [2 1], got [%s %s]", res.Messages[0].ID, res.Messages[1].ID)
	}
	if res.Messages[0].From.ID != "8" {
		t.Errorf("expected sender 8, got %s", res.Messages[0].From.ID)
	}
	if !strings.Contains(string(res.Messages[0].Payload), `"text":"two"`) {
		t.Errorf("payload not preserved: %s", res.Messages[0].Payload)
	}
}

func TestClient_FetchHistoryPage_EndOfHistory(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"empty page", `[]`},
		{"fail answer", `{"result":"FAIL","error_code":71,"error":"RPC_CALL_FAIL 400: OFFSET_INVALID"}`},
		{"wrong shape", `{"result":"SUCCESS"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockBackend(t, func(string) string { return tt.reply })
			client := NewClient(m.addr())
			defer func() { _ = client.Close() }()

			res, err := client.FetchHistoryPage(context.Background(), "42", 100, 300)
			if err != nil {
				t.Fatalf("expected end of history, got error: %v", err)
			}
			if !res.End {
				t.Fatalf("expected end of history, got %d messages", len(res.Messages))
			}
		})
	}
}

func TestClient_FetchHistoryPage_TransportFailure(t *testing.T) {
	m := newMockBackend(t, func(string) string { return "" })
	client := NewClient(m.addr(), WithAnswerTimeout(time.Second))
	defer func() { _ = client.Close() }()

	_, err := client.FetchHistoryPage(context.Background(), "42", 100, 0)
	if err == nil {
		t.Fatal("expected transport error when connection drops")
	}
	if !IsTransport(err) {
		t.Fatalf("expected TransportError, got %T: %v", err, err)
	}
}

func TestClient_FetchHistoryPage_ContextCanceled(t *testing.T) {
	m := newMockBackend(t, func(string) string { return `[]` })
	client := NewClient(m.addr())
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := client.FetchHistoryPage(ctx, "42", 100, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.End {
		t.Error("an interrupted fetch must not look like the end of history")
	}
}

func TestClient_FetchHistoryPage_UndecodableMessage(t *testing.T) {
	m := newMockBackend(t, func(string) string {
		return `[{"id":1,"from":{"id":7}},{"id":{"x":1},"from":{"id":7}}]`
	})
	client := NewClient(m.addr())
	defer func() { _ = client.Close() }()

	res, err := client.FetchHistoryPage(context.Background(), "42", 100, 0)
	if !IsTransport(err) {
		t.Fatalf("expected TransportError, got %T: %v", err, err)
	}
	if res.End {
		t.Error("a malformed page must not look like the end of history")
	}
}

func TestClient_DialFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	client := NewClient(addr)
	_, err = client.WhoAmI(context.Background())
	if !IsTransport(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestClient_WhoAmI(t *testing.T) {
	m := newMockBackend(t, func(string) string {
		return `{"id":"$0100000077","peer_type":"user","username":"me","print_name":"Me"}`
	})
	client := NewClient(m.addr())
	defer func() { _ = client.Close() }()

	user, err := client.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI failed: %v", err)
	}
	if user.ID != "$0100000077" || user.Username != "me" {
		t.Errorf("unexpected user: %+v", user)
	}
	if got := m.received(); got[0] != "get_self" {
		t.Errorf("unexpected command: %q", got[0])
	}
}

func TestClient_DeleteMessage(t *testing.T) {
	m := newMockBackend(t, func(command string) string {
		if strings.HasSuffix(command, "bad") {
			return `{"result":"FAIL","error_code":400,"error":"MESSAGE_ID_INVALID"}`
		}
		return `{"result":"SUCCESS"}`
	})
	client := NewClient(m.addr())
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	if err := client.DeleteMessage(ctx, "10", types.ScopeForEveryone); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if err := client.DeleteMessage(ctx, "11", types.ScopeForMe); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}

	err := client.DeleteMessage(ctx, "bad", types.ScopeForMe)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if rpcErr.Code != 400 || rpcErr.Message != "MESSAGE_ID_INVALID" {
		t.Errorf("unexpected RPC error: %+v", rpcErr)
	}
	if !errors.Is(err, ErrIllegalResponse) {
		t.Error("FAIL answers should match ErrIllegalResponse")
	}

	got := m.received()
	want := []string{"delete_msg 10 1", "delete_msg 11", "delete_msg bad"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestClient_ReconnectsAfterTransportFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	m := newMockBackend(t, func(string) string {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return ""
		}
		return `{"id":5,"username":"me"}`
	})

	client := NewClient(m.addr(), WithAnswerTimeout(time.Second))
	defer func() { _ = client.Close() }()

	if _, err := client.WhoAmI(context.Background()); !IsTransport(err) {
		t.Fatalf("expected transport error on first call, got %v", err)
	}
	user, err := client.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("expected reconnect to succeed, got %v", err)
	}
	if user.ID != "5" {
		t.Errorf("unexpected user id %q", user.ID)
	}
}

func TestClient_ContextCanceled(t *testing.T) {
	client := NewClient("127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Call(ctx, "get_self"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReadAnswer_SkipsNoise(t *testing.T) {
	input := "\nsome log line\nANSWER 3\n[]\n"
	got, err := readAnswer(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("readAnswer failed: %v", err)
	}
	if string(got) != "[]" {
		t.Errorf("got %q, want []", got)
	}
}

func TestReadAnswer_BadHeader(t *testing.T) {
	_, err := readAnswer(bufio.NewReader(strings.NewReader("ANSWER x\n")))
	if err == nil {
		t.Fatal("expected error for invalid header")
	}
}
