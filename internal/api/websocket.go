// internal/api/websocket.go
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/services"
	"github.com/Corphon/huaxu/internal/utils"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 只在本机使用
		return true
	},
}

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
)

// ProgressMessage 推送给客户端的进度消息
type ProgressMessage struct {
	Type   string `json:"type"`
	WorkID string `json:"work_id"`
	Done   int    `json:"done"`
	Total  int    `json:"total"`
	Failed int    `json:"failed"`
	Status string `json:"status"`
}

func progressMessage(p models.BatchProgress) ProgressMessage {
	return ProgressMessage{
		Type:   "progress",
		WorkID: p.WorkID,
		Done:   p.Done,
		Total:  p.Total,
		Failed: p.Failed,
		Status: p.Status,
	}
}

// ProgressHub 把批量生成进度推送到 WebSocket 连接
type ProgressHub struct {
	progress *services.ProgressService
	logger   *utils.Logger

	mu    sync.Mutex
	conns map[string]int // workID -> 连接数
}

// NewProgressHub 创建进度推送中心
func NewProgressHub(progress *services.ProgressService, logger *utils.Logger) *ProgressHub {
	return &ProgressHub{progress: progress, logger: logger, conns: make(map[string]int)}
}

func (h *ProgressHub) track(workID string, delta int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[workID] += delta
	if h.conns[workID] <= 0 {
		delete(h.conns, workID)
	}
}

// Status 各作品的连接数
func (h *ProgressHub) Status() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	works := make(map[string]int, len(h.conns))
	for id, n := range h.conns {
		works[id] = n
		total += n
	}
	return map[string]interface{}{
		"total_connections": total,
		"works":             works,
	}
}

// Serve GET /ws/works/:id/progress
func (h *ProgressHub) Serve(c *gin.Context) {
	workID := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket 升级失败", map[string]interface{}{"work_id": workID, "error": err})
		return
	}
	defer conn.Close()

	h.track(workID, 1)
	defer h.track(workID, -1)

	tracker := h.progress.Tracker(workID)
	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	// 读协程只处理 pong 与关闭
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(progressMessage(update)); err != nil {
				h.logger.Debug("进度推送失败，关闭连接", map[string]interface{}{"work_id": workID, "error": err})
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
