package protocol

import "math"

// 通道编号：线协议的一部分，客户端与服务端必须一致
const (
	ChannelControl  uint8 = 0 // Connect / Disconnect
	ChannelInput    uint8 = 1 // Input
	ChannelSnapshot uint8 = 2 // Snapshot
)

// 模拟常量：改变它们会改变同一输入流的模拟结果
const (
	TickRateHz = 60
	FixedDelta = float32(1.0 / TickRateHz) // 秒
	MoveSpeed  = float32(320)              // 单位/秒，仅服务端使用
)

const (
	// MaxPayloadSize 单条消息的上限，低于 UDP 数据报上限并留出通道字节
	MaxPayloadSize = 60 * 1024
	// MaxSnapshotEntities 编码后不超过 MaxPayloadSize 的最大实体数；
	// 编码本身不截断，超出后由传输层以 ErrPayloadTooLarge 拒绝
	MaxSnapshotEntities = (MaxPayloadSize - snapshotHeaderSize) / entitySize
)

// Kind 消息种类（线上第一个字节）
type Kind uint8

const (
	KindConnect Kind = iota
	KindDisconnect
	KindInput
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindInput:
		return "input"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// InputCommand 客户端输入；ClientSeq 是输入唯一的排序依据
type InputCommand struct {
	ClientSeq uint32
	MoveX     float32
	MoveY     float32
	Yaw       float32
	Pitch     float32
	Buttons   uint32
}

// Finite 浮点字段均为有限值（非 NaN、非 Inf）
func (in InputCommand) Finite() bool {
	for _, v := range [...]float32{in.MoveX, in.MoveY, in.Yaw, in.Pitch} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// SnapshotEntity 某个客户端实体的只读投影
type SnapshotEntity struct {
	NetID    uint32     `json:"net_id"`
	Position [3]float32 `json:"position"`
	Velocity [3]float32 `json:"velocity"`
	Yaw      float32    `json:"yaw"`
}

// Snapshot 服务端权威状态；AckClientSeq 针对每个接收者，Entities 全体共享
type Snapshot struct {
	ServerTick   uint32
	AckClientSeq uint32
	Entities     []SnapshotEntity
}

// Message 四种线上消息之一
type Message interface {
	Kind() Kind
}

type Connect struct{}

type Disconnect struct{}

type Input struct {
	Command InputCommand
}

type SnapshotMsg struct {
	Snapshot Snapshot
}

func (Connect) Kind() Kind     { return KindConnect }
func (Disconnect) Kind() Kind  { return KindDisconnect }
func (Input) Kind() Kind       { return KindInput }
func (SnapshotMsg) Kind() Kind { return KindSnapshot }

// ChannelFor 返回消息应走的通道
func ChannelFor(m Message) uint8 {
	switch m.Kind() {
	case KindInput:
		return ChannelInput
	case KindSnapshot:
		return ChannelSnapshot
	default:
		return ChannelControl
	}
}

// Equal 按值比较快照，nil 与空实体列表视为相同
func (s Snapshot) Equal(o Snapshot) bool {
	if s.ServerTick != o.ServerTick || s.AckClientSeq != o.AckClientSeq {
		return false
	}
	if len(s.Entities) != len(o.Entities) {
		return false
	}
	for i := range s.Entities {
		if s.Entities[i] != o.Entities[i] {
			return false
		}
	}
	return true
}
