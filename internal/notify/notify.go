// Package notify fans realtime announcements out to external sinks such as
// the WebSocket hub, RabbitMQ and the MySQL archive.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/pkg/logger"
)

// 实时推送的种类。
const (
	KindBlock = "block"
	KindFee   = "fee"
)

// Announcement 是一次需要对外推送的实时数据变化。
type Announcement struct {
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier 负责把推送投递到某个下游。
type Notifier interface {
	Notify(ctx context.Context, ann Announcement) error
}

// NotifierFunc 让普通函数满足 Notifier。
type NotifierFunc func(ctx context.Context, ann Announcement) error

// Notify 调用函数本身。
func (f NotifierFunc) Notify(ctx context.Context, ann Announcement) error {
	return f(ctx, ann)
}

type namedNotifier struct {
	name string
	Notifier
}

// Named 为下游命名，Fanout 在日志与错误中使用该名称。
func Named(name string, n Notifier) Notifier {
	return namedNotifier{name: name, Notifier: n}
}

// Fanout 将推送广播给多个下游，单个下游失败不影响其余下游。
type Fanout struct {
	notifiers []Notifier
	logger    *slog.Logger
}

var _ Notifier = (*Fanout)(nil)

// NewFanout 创建 Fanout，nil 下游会被忽略。
func NewFanout(notifiers ...Notifier) *Fanout {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &Fanout{notifiers: set, logger: logger.Named("notify")}
}

// Add 追加下游，仅在启动阶段调用。
func (f *Fanout) Add(n Notifier) {
	if n != nil {
		f.notifiers = append(f.notifiers, n)
	}
}

// Len 返回下游数量。
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.notifiers)
}

// Notify 依次投递并汇总错误。
func (f *Fanout) Notify(ctx context.Context, ann Announcement) error {
	if f == nil {
		return nil
	}
	var errs []error
	for i, n := range f.notifiers {
		if err := n.Notify(ctx, ann); err != nil {
			name := fmt.Sprintf("sink-%d", i)
			if named, ok := n.(namedNotifier); ok {
				name = named.name
			}
			f.logger.Warn("announcement delivery failed",
				slog.String("sink", name),
				slog.String("kind", ann.Kind),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return xerrors.Join(errs...)
	}
	return nil
}
