// Package client 同步核心的客户端：发送带序列号的输入，只保留最新的快照。
package client

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tickarena/appctx"
	"tickarena/protocol"
	"tickarena/transport"
)

var ErrDisconnected = errors.New("client disconnected")

// TransportError 传输层失败，原样上报给调用方
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("client %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Client 序列号计数器只由调用 SendInput 的协程拥有
//
// 快照保留规则：传输层可能乱序，因此按 ServerTick（回绕比较）保留较新的一份，
// 相同 tick 的快照覆盖旧值；延迟到达的旧快照被丢弃。
// 服务端重启后 tick 从 0 重新计数，回绕比较会把新快照判为过期（最多约 2^31 个 tick），
// 检测到重启的调用方应先调用 ResetSnapshot。
type Client struct {
	tr         transport.Transport
	server     transport.Addr
	id         string
	seq        uint32
	last       *protocol.Snapshot
	stale      int
	disconnect bool

	log *zap.SugaredLogger
}

type Option func(*options)

type options struct {
	app *appctx.Context
}

// WithContext 注入进程级上下文
func WithContext(c *appctx.Context) Option { return func(o *options) { o.app = c } }

// Connect 在控制通道发送 Connect；不等待服务端确认
func Connect(tr transport.Transport, serverAddr transport.Addr, clientID string, opts ...Option) (*Client, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.app == nil {
		o.app = appctx.Nop()
	}
	c := &Client{
		tr:     tr,
		server: serverAddr,
		id:     clientID,
		log:    o.app.Log.With("component", "client", "client_id", clientID),
	}
	if err := c.send(protocol.Connect{}); err != nil {
		return nil, err
	}
	c.log.Infof("connect sent to %s", serverAddr)
	return c, nil
}

func (c *Client) send(m protocol.Message) error {
	if err := c.tr.Send(c.server, protocol.ChannelFor(m), protocol.Encode(m)); err != nil {
		return &TransportError{Op: "send " + m.Kind().String(), Err: err}
	}
	if err := c.tr.Flush(); err != nil {
		return &TransportError{Op: "flush", Err: err}
	}
	return nil
}

// SendInput 分配下一个序列号（从 1 开始严格递增）并发送；返回分配的序列号
func (c *Client) SendInput(in protocol.InputCommand) (uint32, error) {
	if c.disconnect {
		return 0, ErrDisconnected
	}
	c.seq++
	in.ClientSeq = c.seq
	if err := c.send(protocol.Input{Command: in}); err != nil {
		return in.ClientSeq, err
	}
	return in.ClientSeq, nil
}

// Poll 取出传输层全部事件；返回本次被保留的快照数量
func (c *Client) Poll() (int, error) {
	events, err := c.tr.Poll()
	if err != nil {
		return 0, &TransportError{Op: "poll", Err: err}
	}
	kept := 0
	for _, ev := range events {
		// 按通道过滤；UDP 下 From 的写法可能与 serverAddr 不同（如 localhost）
		if ev.Channel != protocol.ChannelSnapshot {
			continue
		}
		msg, err := protocol.Decode(ev.Payload)
		if err != nil {
			c.log.Debugw("drop undecodable snapshot", "error", err)
			continue
		}
		sm, ok := msg.(protocol.SnapshotMsg)
		if !ok {
			continue
		}
		if c.retain(sm.Snapshot) {
			kept++
		}
	}
	return kept, nil
}

func (c *Client) retain(s protocol.Snapshot) bool {
	if c.last != nil && tickBefore(s.ServerTick, c.last.ServerTick) {
		c.stale++
		return false
	}
	c.last = &s
	return true
}

// tickBefore 回绕安全的先后比较（序列号算术）
func tickBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// LastSnapshot 可重复读取，不清除
func (c *Client) LastSnapshot() (protocol.Snapshot, bool) {
	if c.last == nil {
		return protocol.Snapshot{}, false
	}
	return *c.last, true
}

// ResetSnapshot 丢弃已保留的快照，下一份收到的快照无条件保留
func (c *Client) ResetSnapshot() {
	c.last = nil
}

// Disconnect 发送后立即返回，不等待确认
func (c *Client) Disconnect() error {
	if c.disconnect {
		return nil
	}
	c.disconnect = true
	c.log.Infof("disconnect sent after seq %d", c.seq)
	return c.send(protocol.Disconnect{})
}

func (c *Client) ID() string { return c.id }

// Seq 最近分配的序列号
func (c *Client) Seq() uint32 { return c.seq }

// StaleSnapshots 因 tick 较旧而丢弃的快照数
func (c *Client) StaleSnapshots() int { return c.stale }
