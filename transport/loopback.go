package transport

import (
	"fmt"
	"sync"
)

// LoopbackNetwork 进程内确定性网络：发送在 Flush 时按 FIFO 投递到目标收件箱
type LoopbackNetwork struct {
	mu        sync.Mutex
	endpoints map[Addr]*Loopback

	drop      func(Event, Addr) bool
	reorder   bool
	duplicate bool
}

func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{endpoints: make(map[Addr]*Loopback)}
}

// Endpoint 注册（或取回）一个地址对应的传输端点
func (n *LoopbackNetwork) Endpoint(addr Addr) *Loopback {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[addr]; ok && !ep.closed {
		return ep
	}
	ep := &Loopback{net: n, addr: addr}
	n.endpoints[addr] = ep
	return ep
}

// SetDrop 丢包注入：返回 true 的事件不投递
func (n *LoopbackNetwork) SetDrop(fn func(ev Event, to Addr) bool) {
	n.mu.Lock()
	n.drop = fn
	n.mu.Unlock()
}

// SetReorder 开启后每个 Flush 批次逆序投递
func (n *LoopbackNetwork) SetReorder(on bool) {
	n.mu.Lock()
	n.reorder = on
	n.mu.Unlock()
}

// SetDuplicate 开启后每条消息投递两次
func (n *LoopbackNetwork) SetDuplicate(on bool) {
	n.mu.Lock()
	n.duplicate = on
	n.mu.Unlock()
}

type pending struct {
	to Addr
	ev Event
}

// Loopback 回环端点，实现 Transport
type Loopback struct {
	net    *LoopbackNetwork
	addr   Addr
	outbox []pending
	inbox  []Event
	closed bool
}

var _ Transport = (*Loopback)(nil)

func (l *Loopback) LocalAddr() (Addr, error) {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if l.closed {
		return "", ErrClosed
	}
	return l.addr, nil
}

func (l *Loopback) Poll() ([]Event, error) {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	out := l.inbox
	l.inbox = nil
	return out, nil
}

func (l *Loopback) Send(to Addr, channel uint8, payload []byte) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if len(payload)+1 > maxDatagram {
		return fmt.Errorf("send to %s: %w", to, ErrPayloadTooLarge)
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	l.outbox = append(l.outbox, pending{to: to, ev: Event{From: l.addr, Channel: channel, Payload: p}})
	return nil
}

// Flush 投递本端点缓冲的全部发送；目标不存在或已关闭时静默丢弃
func (l *Loopback) Flush() error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	batch := l.outbox
	l.outbox = nil
	if l.net.reorder {
		for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
			batch[i], batch[j] = batch[j], batch[i]
		}
	}
	for _, p := range batch {
		if l.net.drop != nil && l.net.drop(p.ev, p.to) {
			continue
		}
		dst, ok := l.net.endpoints[p.to]
		if !ok || dst.closed {
			continue
		}
		dst.inbox = append(dst.inbox, p.ev)
		if l.net.duplicate {
			dst.inbox = append(dst.inbox, p.ev)
		}
	}
	return nil
}

func (l *Loopback) Close() error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.outbox = nil
	l.inbox = nil
	if l.net.endpoints[l.addr] == l {
		delete(l.net.endpoints, l.addr)
	}
	return nil
}
