package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Event 推送给运营端的一条事件
type Event struct {
	ID   uint64
	Name string
	Data string
}

func (e Event) format() string {
	return fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Name, e.Data)
}

type Client struct {
	id     string
	topics map[string]bool // 为空表示订阅全部
	ch     chan Event
	done   chan struct{}
}

func (c *Client) wants(name string) bool {
	return len(c.topics) == 0 || c.topics[name]
}

// Hub 运营端实时事件流，保留最近 backlog 条用于断线重连补发
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	interval time.Duration
	retryMs  int
	nextID   uint64
	backlog  []Event
	maxBack  int
}

func NewHub(interval time.Duration, backlog int) *Hub {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if backlog <= 0 {
		backlog = 256
	}
	return &Hub{clients: make(map[string]*Client), interval: interval, retryMs: 5000, maxBack: backlog}
}

func (h *Hub) AddClient(id string, topics ...string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &Client{id: id, topics: make(map[string]bool), ch: make(chan Event, 64), done: make(chan struct{})}
	for _, t := range topics {
		if t != "" {
			c.topics[t] = true
		}
	}
	if old, ok := h.clients[id]; ok {
		close(old.done)
	}
	h.clients[id] = c
	return c
}

func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		close(c.done)
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish 广播事件；慢客户端的缓冲满了直接丢弃，不阻塞调用方
func (h *Hub) Publish(name string, v interface{}) Event {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(strconv.Quote(fmt.Sprint(v)))
	}
	h.mu.Lock()
	h.nextID++
	ev := Event{ID: h.nextID, Name: name, Data: string(b)}
	h.backlog = append(h.backlog, ev)
	if len(h.backlog) > h.maxBack {
		h.backlog = h.backlog[len(h.backlog)-h.maxBack:]
	}
	for _, c := range h.clients {
		if !c.wants(name) {
			continue
		}
		select {
		case c.ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
	return ev
}

// Since 返回 id 之后的历史事件
func (h *Hub) Since(id uint64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Event
	for _, ev := range h.backlog {
		if ev.ID > id {
			out = append(out, ev)
		}
	}
	return out
}

// Serve 以 SSE 方式推送，?topic= 可多次出现用于过滤事件名
func (h *Hub) Serve(c *gin.Context, clientID string) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	fmt.Fprintf(c.Writer, "retry: %d\n\n", h.retryMs)

	client := h.AddClient(clientID, c.QueryArray("topic")...)
	defer h.RemoveClient(client)

	// 断线重连时补发错过的事件
	if last, err := strconv.ParseUint(c.GetHeader("Last-Event-ID"), 10, 64); err == nil {
		for _, ev := range h.Since(last) {
			if client.wants(ev.Name) {
				c.Writer.Write([]byte(ev.format()))
			}
		}
	}
	flusher.Flush()

	ping := time.NewTicker(h.interval)
	defer ping.Stop()

	for {
		select {
		case <-client.done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			fmt.Fprintf(c.Writer, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case ev := <-client.ch:
			c.Writer.Write([]byte(ev.format()))
			flusher.Flush()
		}
	}
}
