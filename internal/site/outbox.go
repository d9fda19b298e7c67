package site

import (
	"context"
	"sync"

	"github.com/edgeworker/edgeworker/internal/worker"
)

const defaultOutboxSize = 100

// Outbox 保存站点已展示、尚未关闭的通知，超过容量时丢弃最早的一条。
// 它同时充当 worker.Notifier 与 worker.WindowOpener。
type Outbox struct {
	mu       sync.Mutex
	capacity int
	items    []worker.Notification
	opened   []string
}

// NewOutbox 创建容量为 capacity 的收件箱，capacity<=0 时使用默认值。
func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = defaultOutboxSize
	}
	return &Outbox{capacity: capacity}
}

func (o *Outbox) ShowNotification(_ context.Context, n worker.Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, n)
	if len(o.items) > o.capacity {
		o.items = append([]worker.Notification(nil), o.items[len(o.items)-o.capacity:]...)
	}
	return nil
}

func (o *Outbox) CloseNotification(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, item := range o.items {
		if item.ID == id {
			o.items = append(o.items[:i], o.items[i+1:]...)
			break
		}
	}
	return nil
}

func (o *Outbox) OpenWindow(_ context.Context, url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, url)
	if len(o.opened) > o.capacity {
		o.opened = append([]string(nil), o.opened[len(o.opened)-o.capacity:]...)
	}
	return nil
}

// List 返回当前未关闭的通知，按到达顺序排列。
func (o *Outbox) List() []worker.Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]worker.Notification(nil), o.items...)
}

// Get 按 id 查找未关闭的通知。
func (o *Outbox) Get(id string) (worker.Notification, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, item := range o.items {
		if item.ID == id {
			return item, true
		}
	}
	return worker.Notification{}, false
}

// Opened 返回最近打开过的地址。
func (o *Outbox) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}
