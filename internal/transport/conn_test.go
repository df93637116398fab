package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// wsServer upgrades every request and hands the socket to handle
func wsServer(t *testing.T, upgrades *int32, handle func(ws *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if upgrades != nil {
			atomic.AddInt32(upgrades, 1)
		}
		handle(ws, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func streamURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?clientId=test"
}

func TestConn_DeliversFramesInOrder(t *testing.T) {
	server := wsServer(t, nil, func(ws *websocket.Conn, r *http.Request) {
		for _, msg := range []string{"one", "two", "three"} {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte{0x01})
		// Hold the socket open until the client goes away
		_, _, _ = ws.ReadMessage()
	})

	conn := New(Options{StreamURL: streamURL(server)}, testLogger())

	frames := make(chan Frame, 8)
	conn.OnMessage(func(f Frame) { frames <- f })

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = conn.Disconnect() }()

	want := []string{"one", "two", "three"}
	for i, w := range want {
		select {
		case f := <-frames:
			if f.Binary || string(f.Data) != w {
				t.Errorf("frame %d: expected text %q, got %+v", i, w, f)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	select {
	case f := <-frames:
		if !f.Binary {
			t.Errorf("Expected binary frame, got text %q", f.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for binary frame")
	}
}

func TestConn_ConcurrentConnectOpensOneSocket(t *testing.T) {
	var upgrades int32
	server := wsServer(t, &upgrades, func(ws *websocket.Conn, r *http.Request) {
		_, _, _ = ws.ReadMessage()
	})

	conn := New(Options{StreamURL: streamURL(server)}, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Connect(context.Background()); err != nil {
				t.Errorf("Connect failed: %v", err)
			}
		}()
	}
	wg.Wait()
	defer func() { _ = conn.Disconnect() }()

	if !conn.IsConnected() {
		t.Fatal("Expected connection to be open")
	}
	if got := atomic.LoadInt32(&upgrades); got != 1 {
		t.Errorf("Expected exactly 1 socket, got %d", got)
	}

	// A further call is a no-op
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := atomic.LoadInt32(&upgrades); got != 1 {
		t.Errorf("Expected still 1 socket, got %d", got)
	}
}

func TestConn_DisconnectIsRequestedClose(t *testing.T) {
	server := wsServer(t, nil, func(ws *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn := New(Options{StreamURL: streamURL(server)}, testLogger())
	closed := make(chan CloseEvent, 1)
	conn.OnClose(func(ev CloseEvent) { closed <- ev })

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case ev := <-closed:
		if !ev.Requested {
			t.Error("Expected close to be marked as requested")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close event")
	}

	if conn.IsConnected() {
		t.Error("Expected connection to be closed")
	}
	// Idempotent
	if err := conn.Disconnect(); err != nil {
		t.Errorf("Second Disconnect returned error: %v", err)
	}
}

func TestConn_ReconnectRightAfterDisconnect(t *testing.T) {
	var upgrades int32
	server := wsServer(t, &upgrades, func(ws *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn := New(Options{StreamURL: streamURL(server)}, testLogger())
	var mu sync.Mutex
	var closes []CloseEvent
	conn.OnClose(func(ev CloseEvent) {
		mu.Lock()
		closes = append(closes, ev)
		mu.Unlock()
	})

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if conn.IsConnected() {
		t.Fatal("Expected IsConnected false as soon as Disconnect returns")
	}

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Second Connect failed: %v", err)
	}
	defer func() { _ = conn.Disconnect() }()

	// Let the first socket's read loop finish
	time.Sleep(200 * time.Millisecond)

	if !conn.IsConnected() {
		t.Error("Expected the second socket to stay open")
	}
	if got := atomic.LoadInt32(&upgrades); got != 2 {
		t.Errorf("Expected 2 sockets, got %d", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(closes) != 1 {
		t.Fatalf("Expected 1 close event, got %d", len(closes))
	}
	if !closes[0].Requested {
		t.Error("Expected the first socket's close to be requested")
	}
}

func TestConn_ServerCloseIsUnexpected(t *testing.T) {
	server := wsServer(t, nil, func(ws *websocket.Conn, r *http.Request) {
		_ = ws.Close()
	})

	conn := New(Options{StreamURL: streamURL(server)}, testLogger())
	closed := make(chan CloseEvent, 1)
	conn.OnClose(func(ev CloseEvent) { closed <- ev })

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case ev := <-closed:
		if ev.Requested {
			t.Error("Expected close not to be requested")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close event")
	}
}

func TestConn_SendsToken(t *testing.T) {
	gotAuth := make(chan string, 1)
	server := wsServer(t, nil, func(ws *websocket.Conn, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization") + "|" + r.URL.Query().Get("token")
		_, _, _ = ws.ReadMessage()
	})

	conn := New(Options{StreamURL: streamURL(server) + "&token=abc", Token: "abc"}, testLogger())
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = conn.Disconnect() }()

	select {
	case got := <-gotAuth:
		if got != "Bearer abc|abc" {
			t.Errorf("Expected bearer header and token param, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestConn_ConnectErrors(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer rejecting.Close()

	conn := New(Options{StreamURL: streamURL(rejecting) + "&token=secret"}, testLogger())
	err := conn.Connect(context.Background())

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected *ConnectError, got %T (%v)", err, err)
	}
	if connErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", connErr.StatusCode)
	}
	if strings.Contains(connErr.Error(), "secret") {
		t.Errorf("Error leaks token: %s", connErr.Error())
	}

	unreachable := httptest.NewServer(http.NotFoundHandler())
	url := streamURL(unreachable)
	unreachable.Close()

	conn = New(Options{StreamURL: url, HandshakeTimeout: time.Second}, testLogger())
	if err := conn.Connect(context.Background()); !errors.As(err, &connErr) {
		t.Fatalf("Expected *ConnectError for closed server, got %T (%v)", err, err)
	}
	if conn.IsConnected() {
		t.Error("Expected connection to remain closed")
	}
}

func TestConn_DoAppliesBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Expected bearer header, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	conn := New(Options{Token: "tok"}, testLogger())
	req, _ := http.NewRequest(http.MethodGet, server.URL+"/queue", nil)
	resp, err := conn.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("Expected status to pass through, got %d", resp.StatusCode)
	}

	server.Close()
	req, _ = http.NewRequest(http.MethodGet, server.URL+"/queue?token=tok", nil)
	_, err = conn.Do(req)
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("Expected *TransportError, got %T", err)
	}
	if strings.Contains(tErr.Error(), "token=tok") {
		t.Errorf("Error leaks token: %s", tErr.Error())
	}
}
