// Package transport 定义同步核心消费的不可靠数据报传输接口，
// 并提供 UDP、进程内回环（测试用）与 WebSocket 三种实现。
package transport

import (
	"errors"
	"io"
)

// Addr 对端地址（UDP 为 host:port，回环为任意名字）
type Addr string

// Event 一条入站消息
type Event struct {
	From    Addr
	Channel uint8
	Payload []byte
}

// Transport 非阻塞的数据报传输；不保证送达与顺序
type Transport interface {
	LocalAddr() (Addr, error)
	// Poll 立即返回当前已缓冲的全部事件，没有数据时返回空
	Poll() ([]Event, error)
	Send(to Addr, channel uint8, payload []byte) error
	// Flush 将实现层可能缓冲的发送批量送出
	Flush() error
	io.Closer
}

var (
	ErrClosed          = errors.New("transport closed")
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// maxDatagram UDP 单个数据报可承载的最大负载
const maxDatagram = 65507

// 默认入站队列容量，满则丢弃（不阻塞读协程也不阻塞 Tick）
const defaultInboxSize = 1024

// frame/unframe：UDP 与 WebSocket 上每个数据报的格式为 [channel][payload]
func frame(channel uint8, payload []byte) []byte {
	b := make([]byte, 1+len(payload))
	b[0] = channel
	copy(b[1:], payload)
	return b
}

func unframe(b []byte) (uint8, []byte, bool) {
	if len(b) == 0 {
		return 0, nil, false
	}
	return b[0], b[1:], true
}
