package transport

import "sync/atomic"

// inbox 读协程写入、Poll 非阻塞取出的有界队列
type inbox struct {
	ch      chan Event
	dropped atomic.Int64
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = defaultInboxSize
	}
	return &inbox{ch: make(chan Event, size)}
}

// push 满则丢弃：数据报语义下丢包是允许的
func (q *inbox) push(ev Event) {
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
	}
}

func (q *inbox) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (q *inbox) Dropped() int64 { return q.dropped.Load() }
