package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kanshi/internal/camera"
)

// WebSocket関連の定数
const (
	wsSendBufferSize = 64
	wsPingInterval   = 30 * time.Second
	wsPongWait       = 10 * time.Second
	wsMaxMessageSize = 512

	WSTypeEvent = "event"
)

// WSMessage はクライアントに送るメッセージ
type WSMessage struct {
	Type      string `json:"type"`
	EventType string `json:"event_type"`
	Camera    string `json:"camera"`
	Timestamp string `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Hub はWebSocket接続を管理し、サンプル到着を通知する
type Hub struct {
	logger  *slog.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient は接続中のWebSocketクライアント
type WSClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// 空なら全カメラを通知する
	cameras map[string]struct{}
}

// NewHub は新しいHubを作成する
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run はコンテキストがキャンセルされるまで待ち、全クライアントを切断する
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register はクライアントを追加する
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("WebSocketクライアントが接続しました", "client", client.id, "clients", h.ClientCount())
}

// Unregister はクライアントを削除する
// マップから削除できたゴルーチンだけがsendを閉じる
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("WebSocketクライアントが切断しました", "client", client.id, "clients", h.ClientCount())
}

// ClientCount は接続中のクライアント数を返す
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// onSample はsample-availableイベントのハンドラ
// カメラの制御ループ上で呼ばれるので、送信はブロックしない
func (h *Hub) onSample(payload any) {
	name, ok := payload.(string)
	if !ok {
		return
	}
	h.Broadcast(camera.EventSampleAvailable, name)
}

// Broadcast はカメラを購読している全クライアントにイベントを送る
func (h *Hub) Broadcast(eventType, name string) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: eventType,
		Camera:    name,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		h.logger.Error("メッセージのエンコードに失敗しました", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.wants(name) {
			client.trySend(data)
		}
	}
}

// closeAll は全クライアントを切断する
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
}

func (c *WSClient) wants(name string) bool {
	if len(c.cameras) == 0 {
		return true
	}
	_, ok := c.cameras[name]
	return ok
}

// trySend は送信バッファが満杯なら捨てる
func (c *WSClient) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.logger.Debug("送信バッファが満杯のため通知を破棄しました", "client", c.id)
	}
}

// GetEventsWebSocket はサンプル到着通知のWebSocketエンドポイント
// ?camera=front&camera=back で通知するカメラを絞り込める
func (s *Server) GetEventsWebSocket(c *gin.Context) {
	names := c.QueryArray("camera")
	for _, name := range names {
		if !s.devices.Has(name) {
			writeError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません: "+name)
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocketのアップグレードに失敗しました", "error", err)
		return
	}

	client := &WSClient{
		id:      uuid.NewString(),
		hub:     s.hub,
		conn:    conn,
		send:    make(chan []byte, wsSendBufferSize),
		cameras: make(map[string]struct{}, len(names)),
	}
	for _, name := range names {
		client.cameras[name] = struct{}{}
	}

	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// readPump は切断を検知するために受信を続ける。受信内容は使わない
func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	//nolint:errcheck // 失敗しても次の読み込みでエラーになる
	c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("WebSocketの読み込みエラー", "client", c.id, "error", err)
			}
			return
		}
	}
}

// writePump は通知とpingを送る
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // 切断時の通知は失敗してもよい
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // 書き込みエラーは下で検出する
			c.conn.SetWriteDeadline(time.Now().Add(wsPongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // 書き込みエラーは下で検出する
			c.conn.SetWriteDeadline(time.Now().Add(wsPongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
