package server

import (
	"tickarena/protocol"
	"tickarena/transport"
)

// EntityState 服务端权威实体状态，只在 Tick 中修改
type EntityState struct {
	Position [3]float32
	Velocity [3]float32
	Yaw      float32
}

// ClientState 每个已登记地址的服务端状态
type ClientState struct {
	Addr   transport.Addr
	NetID  uint32 // 创建时分配，断开前不变
	Entity EntityState

	LastInput *protocol.InputCommand
	LastSeq   uint32
}

// acceptInput 序列号支配规则：小于 LastSeq 丢弃，等于则覆盖（幂等刷新）
func (c *ClientState) acceptInput(in protocol.InputCommand) bool {
	if in.ClientSeq < c.LastSeq {
		return false
	}
	cmd := in
	c.LastInput = &cmd
	c.LastSeq = in.ClientSeq
	return true
}

func (c *ClientState) snapshotEntity() protocol.SnapshotEntity {
	return protocol.SnapshotEntity{
		NetID:    c.NetID,
		Position: c.Entity.Position,
		Velocity: c.Entity.Velocity,
		Yaw:      c.Entity.Yaw,
	}
}

// clone 返回不与内部状态共享指针的副本
func (c *ClientState) clone() ClientState {
	out := *c
	if c.LastInput != nil {
		in := *c.LastInput
		out.LastInput = &in
	}
	return out
}
