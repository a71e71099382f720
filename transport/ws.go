package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

// wsPeer 单条 WebSocket 连接：发送队列 + 写协程，读协程写入共享入站队列
type wsPeer struct {
	ws        *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newWSPeer(ws *websocket.Conn, queue int) *wsPeer {
	return &wsPeer{ws: ws, send: make(chan []byte, queue), done: make(chan struct{})}
}

// enqueue 非阻塞，满则丢弃（防止阻塞 Tick）
func (p *wsPeer) enqueue(b []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- b:
		return true
	default:
		return false
	}
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.ws.Close()
	})
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		p.close()
	}()
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 每个二进制帧即一个数据报；返回读错误
func (p *wsPeer) readPump(in *inbox, from Addr) error {
	defer p.close()
	p.ws.SetReadLimit(maxDatagram)
	_ = p.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		mt, b, err := p.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = p.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		if mt != websocket.BinaryMessage {
			continue
		}
		ch, payload, ok := unframe(b)
		if !ok {
			continue
		}
		in.push(Event{From: from, Channel: ch, Payload: payload})
	}
}

// WSListener 服务端 WebSocket 传输：作为 http.Handler 接入连接，对外表现为数据报传输
type WSListener struct {
	addr     Addr
	in       *inbox
	log      *zap.SugaredLogger
	queue    int
	upgrader websocket.Upgrader

	// 连接断开时代为投递的事件（通常是编码后的 Disconnect）
	closeEvent *Event

	mu     sync.Mutex
	peers  map[Addr]*wsPeer
	closed atomic.Bool
}

var _ Transport = (*WSListener)(nil)

// WithPeerCloseEvent 连接断开时在入站队列中合成一条事件
func WithPeerCloseEvent(channel uint8, payload []byte) Option {
	return func(o *options) {
		o.closeEvent = &Event{Channel: channel, Payload: payload}
	}
}

// NewWSListener addr 仅用于 LocalAddr 报告，监听由调用方的 http.Server 完成
func NewWSListener(addr string, opts ...Option) *WSListener {
	o := buildOptions(opts)
	return &WSListener{
		addr:       Addr(addr),
		in:         newInbox(o.inboxSize),
		log:        o.log,
		queue:      o.sendQueue,
		closeEvent: o.closeEvent,
		peers:      make(map[Addr]*wsPeer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 演示环境：允许所有来源
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	}
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warnf("ws upgrade: %v", err)
		return
	}
	from := Addr(ws.RemoteAddr().String())
	peer := newWSPeer(ws, l.queue)

	l.mu.Lock()
	if old, ok := l.peers[from]; ok {
		old.close()
	}
	l.peers[from] = peer
	l.mu.Unlock()
	l.log.Debugf("ws peer connected: %s", from)

	go peer.writePump()
	go func() {
		err := peer.readPump(l.in, from)
		l.mu.Lock()
		if l.peers[from] == peer {
			delete(l.peers, from)
		}
		l.mu.Unlock()
		l.log.Debugf("ws peer gone: %s (%v)", from, err)
		if l.closeEvent != nil && !l.closed.Load() {
			ev := *l.closeEvent
			ev.From = from
			l.in.push(ev)
		}
	}()
}

func (l *WSListener) LocalAddr() (Addr, error) {
	if l.closed.Load() {
		return "", ErrClosed
	}
	return l.addr, nil
}

func (l *WSListener) Poll() ([]Event, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	return l.in.drain(), nil
}

// Send 对已断开或未知的对端静默丢弃，与数据报语义一致
func (l *WSListener) Send(to Addr, channel uint8, payload []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if len(payload)+1 > maxDatagram {
		return fmt.Errorf("send to %s: %w", to, ErrPayloadTooLarge)
	}
	l.mu.Lock()
	peer, ok := l.peers[to]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	peer.enqueue(frame(channel, payload))
	return nil
}

func (l *WSListener) Flush() error {
	if l.closed.Load() {
		return ErrClosed
	}
	return nil
}

// PeerCount 当前连接数
func (l *WSListener) PeerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *WSListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	peers := l.peers
	l.peers = make(map[Addr]*wsPeer)
	l.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	return nil
}

// WSConn 客户端 WebSocket 传输，只与一个服务端通信
type WSConn struct {
	remote Addr
	peer   *wsPeer
	in     *inbox

	readErr atomic.Pointer[error]
	closed  atomic.Bool
}

var _ Transport = (*WSConn)(nil)

// DialWS 连接 ws://host:port/path；服务端地址即 url 本身
func DialWS(ctx context.Context, url string, opts ...Option) (*WSConn, error) {
	o := buildOptions(opts)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &WSConn{
		remote: Addr(url),
		peer:   newWSPeer(ws, o.sendQueue),
		in:     newInbox(o.inboxSize),
	}
	go c.peer.writePump()
	go func() {
		err := c.peer.readPump(c.in, c.remote)
		if !c.closed.Load() {
			c.readErr.Store(&err)
		}
	}()
	return c, nil
}

// RemoteAddr 服务端地址，用作 Send 的目标
func (c *WSConn) RemoteAddr() Addr { return c.remote }

func (c *WSConn) LocalAddr() (Addr, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	return Addr(c.peer.ws.LocalAddr().String()), nil
}

func (c *WSConn) Poll() ([]Event, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	evs := c.in.drain()
	if p := c.readErr.Load(); p != nil && len(evs) == 0 {
		return nil, fmt.Errorf("ws connection lost: %w", *p)
	}
	return evs, nil
}

func (c *WSConn) Send(to Addr, channel uint8, payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if to != c.remote {
		return fmt.Errorf("send to %s: %w", to, ErrUnknownPeer)
	}
	if len(payload)+1 > maxDatagram {
		return fmt.Errorf("send to %s: %w", to, ErrPayloadTooLarge)
	}
	c.peer.enqueue(frame(channel, payload))
	return nil
}

func (c *WSConn) Flush() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close 尽量把队列中剩余的帧写出后再关闭
func (c *WSConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	deadline := time.Now().Add(wsWriteWait)
	for len(c.peer.send) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = c.peer.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	c.peer.close()
	return nil
}
