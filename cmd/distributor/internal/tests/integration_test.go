package tests

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gorilla/websocket" // Using Gorilla for the test CLIENT
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/gateway"
	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/hub"
	"github.com/shubham-shewale/quote-pipeline/cmd/distributor/internal/repository"
)

func startServer(t *testing.T) (*httptest.Server, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := repository.NewRedisStore(rdb)
	wsHub := hub.NewHub(repo, hub.Config{MaxBatchSize: 10, BatchTimeout: 50 * time.Millisecond}, zap.NewNop())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("client_id")
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		client := gateway.NewClient(conn, wsHub, clientID, zap.NewNop())
		client.Start()
	}))

	return server, mr
}

func connectWS(t *testing.T, serverURL string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(serverURL, "http")
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to websocket: %v", err)
	}
	return wsConn
}

func quotePayload(symbol string, price float64) string {
	return fmt.Sprintf(`{"symbol":%q,"company_name":"%s Inc.","current_price":%v,"timestamp":%q}`,
		symbol, symbol, price, time.Now().UTC().Format(time.RFC3339Nano))
}

func TestEndToEnd_SubscribeAndReceive(t *testing.T) {
	server, mr := startServer(t)
	defer server.Close()

	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	subMsg := `{"action": "subscribe", "payload": {"symbols": ["aapl"]}, "id": "t1"}`
	wsConn.WriteMessage(websocket.TextMessage, []byte(subMsg))

	_, msg, _ := wsConn.ReadMessage()
	if !strings.Contains(string(msg), "success") {
		t.Errorf("Expected subscription success, got: %s", msg)
	}
	// Symbols are uppercased at the edge
	if !strings.Contains(string(msg), "AAPL") {
		t.Errorf("Expected uppercased symbol in ack, got: %s", msg)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		mr.Publish("prices.AAPL", quotePayload("AAPL", 150.5))
	}()

	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := wsConn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to receive broadcast: %v", err)
	}
	if !strings.Contains(string(msg), "stock_update_optimized") {
		t.Errorf("Expected an optimized update envelope, got: %s", msg)
	}
	if !strings.Contains(string(msg), "150.5") {
		t.Errorf("Expected price 150.5, got: %s", msg)
	}

	unsubMsg := `{"action": "unsubscribe", "payload": {"symbols": ["AAPL"]}, "id": "t2"}`
	wsConn.WriteMessage(websocket.TextMessage, []byte(unsubMsg))

	_, msg, _ = wsConn.ReadMessage()
	if !strings.Contains(string(msg), "Unsubscribed") {
		t.Errorf("Expected unsubscribe ack, got: %s", msg)
	}
}

func TestEndToEnd_DeltaNegotiation(t *testing.T) {
	server, mr := startServer(t)
	defer server.Close()

	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	capsMsg := `{"action": "capabilities", "payload": {"capabilities": {"supports_delta_updates": true}}, "id": "c1"}`
	wsConn.WriteMessage(websocket.TextMessage, []byte(capsMsg))

	_, msg, _ := wsConn.ReadMessage()
	if !strings.Contains(string(msg), "server_capabilities") {
		t.Fatalf("Expected server capabilities reply, got: %s", msg)
	}

	wsConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action": "subscribe", "payload": {"symbols": ["AAPL"]}, "id": "s1"}`))
	wsConn.ReadMessage() // ack

	publish := func(price float64) {
		mr.Publish("prices.AAPL", quotePayload("AAPL", price))
	}

	time.Sleep(100 * time.Millisecond)
	publish(150.0)

	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, first, err := wsConn.ReadMessage()
	if err != nil {
		t.Fatalf("No first update: %v", err)
	}
	var env struct {
		Data struct {
			Type string `json:"type"`
		} `json:"data"`
	}
	json.Unmarshal(first, &env)
	if env.Data.Type != "full" {
		t.Errorf("First update should be full, got: %s", first)
	}

	publish(151.0)
	_, second, err := wsConn.ReadMessage()
	if err != nil {
		t.Fatalf("No second update: %v", err)
	}
	json.Unmarshal(second, &env)
	if env.Data.Type != "delta" {
		t.Errorf("Second update should be a delta, got: %s", second)
	}
	if !strings.Contains(string(second), "151") {
		t.Errorf("Delta should carry the changed price, got: %s", second)
	}
}

func TestEndToEnd_Ping(t *testing.T) {
	server, _ := startServer(t)
	defer server.Close()
	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	wsConn.WriteMessage(websocket.TextMessage, []byte(`{"action": "ping", "id": "p1"}`))

	wsConn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := wsConn.ReadMessage()
	if err != nil {
		t.Fatalf("No pong: %v", err)
	}
	if !strings.Contains(string(msg), "pong") {
		t.Errorf("Expected pong, got: %s", msg)
	}
}

func TestEndToEnd_SnapshotOnSubscribe(t *testing.T) {
	server, mr := startServer(t)
	defer server.Close()
	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	// Pre-populate the cache before the client arrives
	mr.Set("stock:TSLA", quotePayload("TSLA", 700.25))

	wsConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action": "subscribe", "payload": {"symbols": ["TSLA"]}, "id": "s1"}`))
	wsConn.ReadMessage() // ack

	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := wsConn.ReadMessage()
	if err != nil {
		t.Fatalf("No snapshot delivered: %v", err)
	}
	if !strings.Contains(string(msg), "700.25") {
		t.Errorf("Snapshot should carry the cached price, got: %s", msg)
	}
}

func TestEndToEnd_InvalidJSON(t *testing.T) {
	server, _ := startServer(t)
	defer server.Close()
	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	wsConn.WriteMessage(websocket.TextMessage, []byte(`{ "action": "subsc`))

	_, msg, _ := wsConn.ReadMessage()
	if !strings.Contains(string(msg), "Invalid JSON") && !strings.Contains(string(msg), "error") {
		t.Errorf("Expected error message for bad JSON, got: %s", msg)
	}
}

func TestEndToEnd_MaxMessageSize(t *testing.T) {
	server, _ := startServer(t)
	defer server.Close()
	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	hugePayload := strings.Repeat("a", 513*1024)
	hugeMsg := fmt.Sprintf(`{"action":"subscribe", "payload": {"symbols": ["%s"]}}`, hugePayload)

	err := wsConn.WriteMessage(websocket.TextMessage, []byte(hugeMsg))
	// Depending on timing, write might succeed, but Read should fail (Disconnect)
	if err == nil {
		wsConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		_, _, err := wsConn.ReadMessage()
		if err == nil {
			t.Error("Server should have closed connection for huge message, but it stayed open")
		}
	}
}
