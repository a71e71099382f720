package transport

import "go.uber.org/zap"

type options struct {
	inboxSize int
	sendQueue int
	log       *zap.SugaredLogger

	closeEvent *Event
}

// Option 配置 UDP / WebSocket 传输
type Option func(*options)

// WithInboxSize 入站队列容量
func WithInboxSize(n int) Option { return func(o *options) { o.inboxSize = n } }

// WithSendQueue WebSocket 每连接发送队列容量
func WithSendQueue(n int) Option { return func(o *options) { o.sendQueue = n } }

func WithLogger(l *zap.SugaredLogger) Option { return func(o *options) { o.log = l } }

func buildOptions(opts []Option) options {
	o := options{inboxSize: defaultInboxSize, sendQueue: 64}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop().Sugar()
	}
	if o.sendQueue <= 0 {
		o.sendQueue = 64
	}
	return o
}
