package realtime

import (
	"context"

	"ChainPulse/internal/notify"
)

// Broadcaster 是 transport.Hub 的广播能力。
type Broadcaster interface {
	Broadcast(msgType string, data any, group string) int
}

// BroadcastNotifier 把推送转成 realtime_block / realtime_fee 广播。
// group 为空时广播给所有客户端。
func BroadcastNotifier(b Broadcaster, group string) notify.Notifier {
	return notify.NotifierFunc(func(_ context.Context, ann notify.Announcement) error {
		switch ann.Kind {
		case notify.KindBlock:
			b.Broadcast(MessageBlock, ann.Payload, group)
		case notify.KindFee:
			b.Broadcast(MessageFee, ann.Payload, group)
		}
		return nil
	})
}
