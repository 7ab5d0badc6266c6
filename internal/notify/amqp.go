package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/pkg/logger"
)

// AMQPConfig 描述 RabbitMQ 投递参数。
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPPublisher 把推送以 JSON 发布到 topic exchange，路由键为 realtime.<kind>。
// 连接断开后在下一次发布时重连。
type AMQPPublisher struct {
	cfg    AMQPConfig
	dial   func(url string) (*amqp.Connection, error)
	logger *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan *amqp.Error
}

var _ Notifier = (*AMQPPublisher)(nil)

// NewAMQPPublisher 建立连接并声明 exchange。
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "RabbitMQ URL 不能为空")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "chainpulse.realtime"
	}
	p := &AMQPPublisher{cfg: cfg, dial: amqp.Dial, logger: logger.Named("notify")}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connectLocked() error {
	conn, err := p.dial(p.cfg.URL)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstream, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return xerrors.Wrap(xerrors.CodeUpstream, err, "创建 RabbitMQ channel 失败")
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return xerrors.Wrap(xerrors.CodeUpstream, err, "声明 RabbitMQ exchange 失败")
	}
	p.conn, p.ch = conn, ch
	p.closed = conn.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// healthyLocked 检查连接是否已收到关闭通知。
func (p *AMQPPublisher) healthyLocked() bool {
	if p.conn == nil || p.ch == nil {
		return false
	}
	select {
	case err, ok := <-p.closed:
		if ok || err != nil {
			p.logger.Warn("rabbitmq connection closed", slog.Any("error", err))
		}
		p.conn, p.ch = nil, nil
		return false
	default:
		return !p.conn.IsClosed()
	}
}

// RoutingKey 返回推送的路由键。
func RoutingKey(kind string) string { return "realtime." + kind }

// Notify 发布一次推送。
func (p *AMQPPublisher) Notify(ctx context.Context, ann Announcement) error {
	body, err := json.Marshal(ann)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码推送失败")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.healthyLocked() {
		if err := p.connectLocked(); err != nil {
			return err
		}
	}
	err = p.ch.PublishWithContext(ctx, p.cfg.Exchange, RoutingKey(ann.Kind), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ann.Timestamp,
		Body:        body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstream, err, "发布 RabbitMQ 消息失败")
	}
	return nil
}

// Close 关闭 channel 与连接。
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	p.conn, p.ch = nil, nil
	return xerrors.Join(errs...)
}
