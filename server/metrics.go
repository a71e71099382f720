package server

import (
	"sync/atomic"
)

// Metrics 服务端运行指标；Tick 线程写入，管理接口只读
type Metrics struct {
	TickCount          int64 // 统计的 Tick 次数
	TotalTickNs        int64 // Tick 累计耗时（纳秒）
	InputsAccepted     int64 // 被接受的输入数
	StaleInputsIgnored int64 // 因旧序列被忽略的输入数
	InvalidInputs      int64 // 含 NaN/Inf 而被拒绝的输入数
	DecodeErrors       int64 // 无法解码而丢弃的消息数
	IgnoredMessages    int64 // 通道与种类不匹配而忽略的消息数
	ClientsConnected   int64 // 累计登记的客户端
	ClientsRemoved     int64 // 累计 Disconnect 移除的客户端
	SnapshotsSent      int64 // 发出的快照数

	clients    atomic.Int64
	serverTick atomic.Uint32
	stride     atomic.Uint32
}

func (m *Metrics) IncAccepted() { atomic.AddInt64(&m.InputsAccepted, 1) }
func (m *Metrics) IncStale() { atomic.AddInt64(&m.StaleInputsIgnored, 1) }
func (m *Metrics) IncInvalid() { atomic.AddInt64(&m.InvalidInputs, 1) }
func (m *Metrics) IncDecodeErrors() { atomic.AddInt64(&m.DecodeErrors, 1) }
func (m *Metrics) IncIgnored() { atomic.AddInt64(&m.IgnoredMessages, 1) }
func (m *Metrics) IncConnected() { atomic.AddInt64(&m.ClientsConnected, 1) }
func (m *Metrics) IncRemoved() { atomic.AddInt64(&m.ClientsRemoved, 1) }
func (m *Metrics) AddSnapshots(n int) { atomic.AddInt64(&m.SnapshotsSent, int64(n)) }
func (m *Metrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// publish 每个 Tick 结束时发布循环内状态，供其他协程读取
func (m *Metrics) publish(tick uint32, stride uint32, clients int) {
	m.serverTick.Store(tick)
	m.stride.Store(stride)
	m.clients.Store(int64(clients))
}

func (m *Metrics) ServerTick() uint32 { return m.serverTick.Load() }
func (m *Metrics) Stride() uint32 { return m.stride.Load() }
func (m *Metrics) Clients() int64 { return m.clients.Load() }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":           tick,
		"server_tick":          m.ServerTick(),
		"snapshot_stride":      m.Stride(),
		"clients":              m.Clients(),
		"inputs_accepted":      atomic.LoadInt64(&m.InputsAccepted),
		"stale_inputs_ignored": atomic.LoadInt64(&m.StaleInputsIgnored),
		"invalid_inputs":       atomic.LoadInt64(&m.InvalidInputs),
		"decode_errors":        atomic.LoadInt64(&m.DecodeErrors),
		"ignored_messages":     atomic.LoadInt64(&m.IgnoredMessages),
		"clients_connected":    atomic.LoadInt64(&m.ClientsConnected),
		"clients_removed":      atomic.LoadInt64(&m.ClientsRemoved),
		"snapshots_sent":       atomic.LoadInt64(&m.SnapshotsSent),
		"avg_tick_ms":          avgMs,
	}
}
