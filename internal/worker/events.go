package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BackgroundSyncTag 是唯一会触发同步逻辑的标签。
const BackgroundSyncTag = "background-sync"

const (
	defaultNotificationIcon  = "/android-chrome-192x192.png"
	defaultNotificationBadge = "/favicon-32x32.png"
)

var defaultVibrate = []int{100, 50, 100}

// Notification 是一次推送展示给用户的通知。
type Notification struct {
	ID      string           `json:"id"`
	Title   string           `json:"title"`
	Body    string           `json:"body"`
	Icon    string           `json:"icon"`
	Badge   string           `json:"badge"`
	Vibrate []int            `json:"vibrate"`
	Data    NotificationData `json:"data"`
}

// NotificationData 随通知携带，点击时用于决定打开的地址。
type NotificationData struct {
	DateOfArrival time.Time   `json:"dateOfArrival"`
	PrimaryKey    interface{} `json:"primaryKey,omitempty"`
	URL           string      `json:"url,omitempty"`
}

// Notifier 由宿主实现，负责展示与关闭通知。
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
	CloseNotification(ctx context.Context, id string) error
}

// WindowOpener 由宿主实现，负责打开通知点击后的页面。
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

type pushPayload struct {
	Title      string      `json:"title"`
	Body       string      `json:"body"`
	PrimaryKey interface{} `json:"primaryKey"`
	URL        string      `json:"url"`
}

// Sync 处理后台同步事件。只有 background-sync 标签会执行 SyncHook，
// 其错误被捕获并记录，不会返回给调用方，也不会重试。
func (c *Controller) Sync(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fields := c.fields("sync")
	fields["tag"] = tag
	if tag != BackgroundSyncTag {
		c.logger.WithFields(fields).Debug("sync_tag_ignored")
		return nil
	}

	if err := c.runSyncHook(ctx); err != nil {
		c.logger.WithFields(fields).WithError(err).Error("background_sync_failed")
		return nil
	}
	c.logger.WithFields(fields).Info("background_sync_completed")
	return nil
}

func (c *Controller) runSyncHook(ctx context.Context) (err error) {
	if c.syncHook == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.syncHook(ctx)
}

// Push 解析推送负载并展示通知。空负载不展示任何内容，返回 nil。
func (c *Controller) Push(ctx context.Context, payload []byte) (*Notification, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	var data pushPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decode push payload: %w", err)
	}

	n := Notification{
		ID:      uuid.NewString(),
		Title:   data.Title,
		Body:    data.Body,
		Icon:    c.notifyIcon,
		Badge:   c.notifyBadge,
		Vibrate: append([]int(nil), defaultVibrate...),
		Data: NotificationData{
			DateOfArrival: c.now().UTC(),
			PrimaryKey:    data.PrimaryKey,
			URL:           strings.TrimSpace(data.URL),
		},
	}
	if err := c.notifier.ShowNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("show notification: %w", err)
	}
	fields := c.fields("push")
	fields["notification_id"] = n.ID
	c.logger.WithFields(fields).Info("notification_shown")
	return &n, nil
}

// NotificationClick 关闭通知并打开 data.url（缺省为站点根路径），返回实际打开的地址。
func (c *Controller) NotificationClick(ctx context.Context, n Notification) (string, error) {
	fields := c.fields("notificationclick")
	fields["notification_id"] = n.ID
	if err := c.notifier.CloseNotification(ctx, n.ID); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("notification_close_failed")
	}

	target := n.Data.URL
	if target == "" {
		target = "/"
	}
	if err := c.opener.OpenWindow(ctx, target); err != nil {
		return "", fmt.Errorf("open window: %w", err)
	}
	fields["url"] = target
	c.logger.WithFields(fields).Info("window_opened")
	return target, nil
}

// logNotifier 是未注入 Notifier/WindowOpener 时的缺省实现，仅写日志。
type logNotifier struct {
	logger *logrus.Logger
}

func (l logNotifier) ShowNotification(_ context.Context, n Notification) error {
	l.logger.WithFields(logrus.Fields{"action": "notify", "notification_id": n.ID, "title": n.Title}).Debug("notification")
	return nil
}

func (l logNotifier) CloseNotification(_ context.Context, id string) error {
	l.logger.WithFields(logrus.Fields{"action": "notify_close", "notification_id": id}).Debug("notification_closed")
	return nil
}

func (l logNotifier) OpenWindow(_ context.Context, url string) error {
	l.logger.WithFields(logrus.Fields{"action": "open_window", "url": url}).Debug("open_window")
	return nil
}
