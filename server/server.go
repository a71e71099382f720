package server

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"tickarena/appctx"
	"tickarena/protocol"
	"tickarena/record"
	"tickarena/transport"
)

// TickReport 单次 Tick 的结果
type TickReport struct {
	NewClients    int
	SnapshotsSent int
	Clients       int // Tick 结束时登记的客户端数
}

// TransportError 传输层失败（poll / send / flush），中止当前 Tick
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("server %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// FrameSink 接收每次广播的记录；实现必须不阻塞
type FrameSink interface {
	Enqueue(record.Frame) bool
}

// Server 权威服务端：单线程 Tick 推进，客户端表只由 Tick 所在协程访问
type Server struct {
	tr     transport.Transport
	addr   transport.Addr
	stride uint32
	tick   uint32

	clients   map[transport.Addr]*ClientState
	nextNetID uint32

	app     *appctx.Context
	log     *zap.SugaredLogger
	metrics *Metrics
	sink    FrameSink

	// 其他协程请求的步长变更，在下一个 Tick 开始时生效
	strideReq chan int
}

type Option func(*Server)

// WithContext 注入进程级上下文（日志等）
func WithContext(c *appctx.Context) Option { return func(s *Server) { s.app = c } }

// WithRecorder 每次广播后把快照交给 sink
func WithRecorder(sink FrameSink) Option { return func(s *Server) { s.sink = sink } }

// WithMetrics 使用外部创建的指标对象
func WithMetrics(m *Metrics) Option { return func(s *Server) { s.metrics = m } }

// Bind 在传输上创建服务端；snapshotStride 最小为 1
func Bind(tr transport.Transport, snapshotStride int, opts ...Option) (*Server, error) {
	if tr == nil {
		return nil, errors.New("server: nil transport")
	}
	s := &Server{
		tr:        tr,
		stride:    clampStride(snapshotStride),
		clients:   make(map[transport.Addr]*ClientState),
		strideReq: make(chan int, 8),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.app == nil {
		s.app = appctx.Nop()
	}
	if s.metrics == nil {
		s.metrics = &Metrics{}
	}
	s.log = s.app.Log.With("component", "server")

	addr, err := tr.LocalAddr()
	if err != nil {
		return nil, &TransportError{Op: "bind", Err: err}
	}
	s.addr = addr
	s.metrics.publish(s.tick, s.stride, 0)
	s.log.Infof("server bound on %s, snapshot stride %d", addr, s.stride)
	return s, nil
}

func clampStride(n int) uint32 {
	if n < 1 {
		return 1
	}
	return uint32(n)
}

// Tick 执行一个固定步长，从不等待新数据：
// 取出入站事件 → 分发 → 积分 → 按步长广播快照 → 推进 tick 计数。
// 传输失败时仍消耗本次 tick 编号，已做的状态修改不回滚，重试不会产生同号快照。
func (s *Server) Tick() (TickReport, error) {
	start := time.Now()
	s.applyStrideRequests()

	var rep TickReport
	err := s.step(&rep)

	s.tick++ // uint32 溢出回绕
	rep.Clients = len(s.clients)
	s.metrics.publish(s.tick, s.stride, rep.Clients)
	s.metrics.AddTick(time.Since(start).Nanoseconds())
	return rep, err
}

func (s *Server) step(rep *TickReport) error {
	events, err := s.tr.Poll()
	if err != nil {
		return &TransportError{Op: "poll", Err: err}
	}
	for _, ev := range events {
		if s.dispatch(ev) {
			rep.NewClients++
		}
	}

	for _, c := range s.clients {
		Step(&c.Entity, c.LastInput, protocol.FixedDelta)
	}

	if s.tick%s.stride == 0 {
		n, err := s.broadcast()
		rep.SnapshotsSent = n
		return err
	}
	return nil
}

// dispatch 处理一条入站事件；返回是否新登记了客户端
func (s *Server) dispatch(ev transport.Event) bool {
	msg, err := protocol.Decode(ev.Payload)
	if err != nil {
		// 畸形流量不能中断服务
		s.metrics.IncDecodeErrors()
		s.log.Debugw("drop undecodable message", "from", ev.From, "channel", ev.Channel, "error", err)
		return false
	}

	switch m := msg.(type) {
	case protocol.Connect:
		if ev.Channel != protocol.ChannelControl {
			break
		}
		if _, ok := s.clients[ev.From]; ok {
			return false
		}
		s.register(ev.From)
		return true

	case protocol.Disconnect:
		if ev.Channel != protocol.ChannelControl {
			break
		}
		if c, ok := s.clients[ev.From]; ok {
			delete(s.clients, ev.From)
			s.metrics.IncRemoved()
			s.log.Infof("client disconnected: addr=%s net_id=%d last_seq=%d", ev.From, c.NetID, c.LastSeq)
		}
		return false

	case protocol.Input:
		if ev.Channel != protocol.ChannelInput {
			break
		}
		created := false
		c, ok := s.clients[ev.From]
		if !ok {
			// 客户端可能未发 Connect 就直接发送输入
			c = s.register(ev.From)
			created = true
		}
		if !m.Command.Finite() {
			// NaN/Inf 会永久污染实体位置
			s.metrics.IncInvalid()
			s.log.Debugw("non-finite input ignored", "from", ev.From, "seq", m.Command.ClientSeq)
			return created
		}
		if c.acceptInput(m.Command) {
			s.metrics.IncAccepted()
		} else {
			s.metrics.IncStale()
			s.log.Debugw("stale input ignored", "from", ev.From, "seq", m.Command.ClientSeq, "last_seq", c.LastSeq)
		}
		return created
	}

	s.metrics.IncIgnored()
	s.log.Debugw("ignore message", "from", ev.From, "channel", ev.Channel, "kind", msg.Kind())
	return false
}

func (s *Server) register(addr transport.Addr) *ClientState {
	s.nextNetID++
	c := &ClientState{Addr: addr, NetID: s.nextNetID}
	s.clients[addr] = c
	s.metrics.IncConnected()
	s.log.Infof("client connected: addr=%s net_id=%d", addr, c.NetID)
	return c
}

// sortedClients 按 NetID 排序，保证实体列表与发送顺序确定
func (s *Server) sortedClients() []*ClientState {
	out := make([]*ClientState, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetID < out[j].NetID })
	return out
}

// broadcast 构建一次共享实体列表，向每个客户端发送带各自 ack 的快照，最后统一 Flush
func (s *Server) broadcast() (int, error) {
	clients := s.sortedClients()
	entities := make([]protocol.SnapshotEntity, 0, len(clients))
	for _, c := range clients {
		entities = append(entities, c.snapshotEntity())
	}
	if len(entities) > protocol.MaxSnapshotEntities {
		s.log.Warnf("snapshot with %d entities exceeds the %d-entity datagram budget", len(entities), protocol.MaxSnapshotEntities)
	}

	sent := 0
	for _, c := range clients {
		payload := protocol.Encode(protocol.SnapshotMsg{Snapshot: protocol.Snapshot{
			ServerTick:   s.tick,
			AckClientSeq: c.LastSeq,
			Entities:     entities,
		}})
		if err := s.tr.Send(c.Addr, protocol.ChannelSnapshot, payload); err != nil {
			s.metrics.AddSnapshots(sent)
			return sent, &TransportError{Op: "send", Err: err}
		}
		sent++
	}
	s.metrics.AddSnapshots(sent)
	if err := s.tr.Flush(); err != nil {
		return sent, &TransportError{Op: "flush", Err: err}
	}
	if s.sink != nil && !s.sink.Enqueue(record.Frame{Tick: s.tick, Clients: len(clients), Entities: entities}) {
		s.log.Debugw("record frame dropped", "tick", s.tick)
	}
	return sent, nil
}

// RequestStride 可在任意协程调用；新步长在下一个 Tick 开始时生效
func (s *Server) RequestStride(n int) bool {
	select {
	case s.strideReq <- n:
		return true
	default:
		return false
	}
}

func (s *Server) applyStrideRequests() {
	for {
		select {
		case n := <-s.strideReq:
			if st := clampStride(n); st != s.stride {
				s.log.Infof("snapshot stride %d -> %d", s.stride, st)
				s.stride = st
			}
		default:
			return
		}
	}
}

// 以下访问器只能在 Tick 所在协程调用

func (s *Server) CurrentTick() uint32 { return s.tick }
func (s *Server) Stride() int { return int(s.stride) }
func (s *Server) LocalAddr() transport.Addr { return s.addr }
func (s *Server) ClientCount() int { return len(s.clients) }
func (s *Server) Metrics() *Metrics { return s.metrics }

// Client 返回某地址客户端状态的副本
func (s *Server) Client(addr transport.Addr) (ClientState, bool) {
	c, ok := s.clients[addr]
	if !ok {
		return ClientState{}, false
	}
	return c.clone(), true
}
