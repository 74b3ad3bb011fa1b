// Package stream 在进程内按任务 ID 分发编排器的实时事件。
// HTTP 层通过 Subscribe 拿到事件通道并以 SSE 推给浏览器。
package stream

import (
	"sync"

	"Magentic-Gateway/internal/orchestrator"
)

// 单个订阅通道的缓冲大小，写满后丢弃事件以保护处理循环。
const subscriberBuffer = 64

// 每个任务保留的历史事件上限，晚到的订阅者可以收到回放。
const replayLimit = 256

// Hub 管理所有任务的事件订阅。
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	history     []orchestrator.Event
	subscribers map[int]chan orchestrator.Event
	nextID      int
	finished    bool
}

// NewHub 创建事件分发中心。
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// Publish 向任务的所有订阅者推送事件。
// 订阅通道已满时事件被丢弃，订阅方应通过任务结果接口获取完整记录。
func (h *Hub) Publish(taskID string, event orchestrator.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[taskID]
	if t == nil {
		t = newTopic()
		h.topics[taskID] = t
	}
	if len(t.history) < replayLimit {
		t.history = append(t.history, event)
	}
	for _, ch := range t.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Finish 关闭任务的事件流，所有订阅通道被关闭并清理该任务的状态。
func (h *Hub) Finish(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[taskID]
	if t == nil {
		return
	}
	t.finished = true
	for _, ch := range t.subscribers {
		close(ch)
	}
	delete(h.topics, taskID)
}

// Subscribe 订阅任务的事件流，返回的通道会先回放历史事件。
// 任务流已结束或不存在时返回的通道立即关闭。
// 调用方必须在不再消费时调用 cancel 释放订阅。
func (h *Hub) Subscribe(taskID string) (<-chan orchestrator.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[taskID]
	if t == nil {
		// 任务尚未开始执行也允许订阅，事件到达后会被推送。
		t = newTopic()
		h.topics[taskID] = t
	}
	if t.finished {
		ch := make(chan orchestrator.Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan orchestrator.Event, subscriberBuffer+len(t.history))
	for _, event := range t.history {
		ch <- event
	}
	id := t.nextID
	t.nextID++
	t.subscribers[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		current := h.topics[taskID]
		if current == nil {
			return
		}
		if _, ok := current.subscribers[id]; ok {
			delete(current.subscribers, id)
			close(ch)
		}
		if len(current.subscribers) == 0 && len(current.history) == 0 {
			delete(h.topics, taskID)
		}
	}
	return ch, cancel
}

// Active 返回当前有事件流的任务数量。
func (h *Hub) Active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

func newTopic() *topic {
	return &topic{subscribers: make(map[int]chan orchestrator.Event)}
}
