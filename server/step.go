package server

import "tickarena/protocol"

// Step 按最近一次被接受的输入推进一个固定步长；没有输入时速度为零
// move_x 对应世界 X 轴，move_y 对应世界 Z 轴，Y 轴不变
func Step(e *EntityState, in *protocol.InputCommand, dt float32) {
	if in == nil {
		e.Velocity = [3]float32{}
		return
	}
	e.Velocity = [3]float32{
		in.MoveX * protocol.MoveSpeed,
		0,
		in.MoveY * protocol.MoveSpeed,
	}
	e.Yaw = in.Yaw
	for i := range e.Position {
		e.Position[i] += e.Velocity[i] * dt
	}
}
