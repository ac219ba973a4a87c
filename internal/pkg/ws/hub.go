package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Hub struct {
	// 每个账户可以有多个连接（多标签页、重连等场景）
	clients map[int64]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	AccountID int64
	Conn      *websocket.Conn
	mu        sync.Mutex // 写锁，防止并发写入
}

type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.AccountID] == nil {
		h.clients[client.AccountID] = make(map[*Client]struct{})
	}
	h.clients[client.AccountID][client] = struct{}{}

	log.Debug().
		Int64("account_id", client.AccountID).
		Int("account_conns", len(h.clients[client.AccountID])).
		Msg("websocket connected")
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[client.AccountID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.clients, client.AccountID)
		}
	}
	log.Debug().Int64("account_id", client.AccountID).Msg("websocket disconnected")
}

// SendToAccount 向指定账户的所有连接发送消息
func (h *Hub) SendToAccount(accountID int64, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	conns, ok := h.clients[accountID]
	if !ok {
		h.mu.RUnlock()
		return nil
	}
	// 复制一份引用，避免长时间持锁
	clients := make([]*Client, 0, len(conns))
	for c := range conns {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		err := c.Conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Int64("account_id", accountID).Msg("websocket write failed")
		}
	}
	return nil
}

// IsOnline 检查账户是否在线
func (h *Hub) IsOnline(accountID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns, ok := h.clients[accountID]
	return ok && len(conns) > 0
}

// ConnectionCount 获取在线连接数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}

// CloseAll 关闭所有连接，用于服务退出
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for accountID, conns := range h.clients {
		for c := range conns {
			c.mu.Lock()
			_ = c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
			_ = c.Conn.Close()
			c.mu.Unlock()
		}
		delete(h.clients, accountID)
	}
}
