package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// UDP 基于真实 UDP socket 的传输：读协程把数据报压入有界队列，Poll 非阻塞取出
type UDP struct {
	conn *net.UDPConn
	in   *inbox
	log  *zap.SugaredLogger

	mu    sync.Mutex
	peers map[Addr]*net.UDPAddr

	closed  atomic.Bool
	readErr atomic.Pointer[error]
	done    chan struct{}
}

var _ Transport = (*UDP)(nil)

// ListenUDP 绑定本地地址，例如 ":27500" 或 "127.0.0.1:0"
func ListenUDP(addr string, opts ...Option) (*UDP, error) {
	o := buildOptions(opts)
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	u := &UDP{
		conn:  conn,
		in:    newInbox(o.inboxSize),
		log:   o.log,
		peers: make(map[Addr]*net.UDPAddr),
		done:  make(chan struct{}),
	}
	go u.readPump()
	return u, nil
}

func (u *UDP) readPump() {
	defer close(u.done)
	buf := make([]byte, 64*1024)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			u.log.Warnf("udp read: %v", err)
			u.readErr.Store(&err)
			return
		}
		ch, payload, ok := unframe(buf[:n])
		if !ok {
			continue
		}
		p := make([]byte, len(payload))
		copy(p, payload)
		a := Addr(from.String())
		u.mu.Lock()
		if _, seen := u.peers[a]; !seen {
			u.peers[a] = from
		}
		u.mu.Unlock()
		u.in.push(Event{From: a, Channel: ch, Payload: p})
	}
}

func (u *UDP) LocalAddr() (Addr, error) {
	if u.closed.Load() {
		return "", ErrClosed
	}
	return Addr(u.conn.LocalAddr().String()), nil
}

// Poll 读协程的致命错误在这里上报
func (u *UDP) Poll() ([]Event, error) {
	if u.closed.Load() {
		return nil, ErrClosed
	}
	if p := u.readErr.Load(); p != nil {
		return nil, fmt.Errorf("udp poll: %w", *p)
	}
	return u.in.drain(), nil
}

func (u *UDP) Send(to Addr, channel uint8, payload []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}
	if len(payload)+1 > maxDatagram {
		return fmt.Errorf("send to %s: %w", to, ErrPayloadTooLarge)
	}
	ra, err := u.resolve(to)
	if err != nil {
		return err
	}
	if _, err := u.conn.WriteToUDP(frame(channel, payload), ra); err != nil {
		return fmt.Errorf("udp send to %s: %w", to, err)
	}
	return nil
}

func (u *UDP) resolve(to Addr) (*net.UDPAddr, error) {
	u.mu.Lock()
	ra, ok := u.peers[to]
	u.mu.Unlock()
	if ok {
		return ra, nil
	}
	ra, err := net.ResolveUDPAddr("udp", string(to))
	if err != nil {
		return nil, fmt.Errorf("resolve peer %s: %w", to, err)
	}
	u.mu.Lock()
	u.peers[to] = ra
	u.mu.Unlock()
	return ra, nil
}

// Flush UDP 每次 Send 立即写出，无需批量
func (u *UDP) Flush() error {
	if u.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Dropped 因入站队列满而丢弃的数据报数
func (u *UDP) Dropped() int64 { return u.in.Dropped() }

func (u *UDP) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := u.conn.Close()
	<-u.done
	return err
}
