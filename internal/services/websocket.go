package services

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"admitflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FeedMessage is one update pushed to feed subscribers.
type FeedMessage struct {
	Type      string            `json:"type"`
	Execution *models.Execution `json:"execution"`
	Timestamp time.Time         `json:"timestamp"`
}

type feedClient struct {
	id     string
	ruleID uint // 0 表示订阅全部规则
	conn   *websocket.Conn
	send   chan FeedMessage
	hub    *ExecutionFeed
}

// ExecutionFeed 实时推送执行状态变化，实现 workflow.Observer
type ExecutionFeed struct {
	clients    map[string]*feedClient
	broadcast  chan FeedMessage
	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
	dropped    int64
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS 由中间件负责
	},
}

func NewExecutionFeed(logger *logrus.Logger) *ExecutionFeed {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ExecutionFeed{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan FeedMessage, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves registrations and broadcasts until ctx is done.
func (h *ExecutionFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			h.logger.Debugf("feed client %s connected (rule %d)", client.id, client.ruleID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				h.logger.Debugf("feed client %s disconnected", client.id)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if client.ruleID != 0 && client.ruleID != message.Execution.RuleID {
					continue
				}
				select {
				case client.send <- message:
				default:
					// 慢客户端直接断开
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// ExecutionChanged queues an update for subscribers. It never blocks the engine;
// updates are dropped when the queue is full.
func (h *ExecutionFeed) ExecutionChanged(exec models.Execution) {
	msg := FeedMessage{Type: "execution." + string(exec.Status), Execution: &exec, Timestamp: time.Now()}
	select {
	case h.broadcast <- msg:
	default:
		h.mutex.Lock()
		h.dropped++
		h.mutex.Unlock()
	}
}

// HandleWebSocket upgrades the request. ?rule_id= limits the feed to one rule.
func (h *ExecutionFeed) HandleWebSocket(c *gin.Context) {
	var ruleID uint
	if raw := c.Query("rule_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid rule_id", "message": err.Error()})
			return
		}
		ruleID = uint(id)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	client := &feedClient{
		id:     uuid.NewString(),
		ruleID: ruleID,
		conn:   conn,
		send:   make(chan FeedMessage, 64),
		hub:    h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only keeps the connection alive; the feed is one-way.
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnf("feed websocket error: %v", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.logger.Debugf("feed write: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *ExecutionFeed) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Dropped returns how many updates were discarded because the queue was full.
func (h *ExecutionFeed) Dropped() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.dropped
}
