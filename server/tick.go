package server

import (
	"context"
	"time"
)

// TickInterval 由频率换算每个 Tick 的间隔
func TickInterval(hz int) time.Duration {
	if hz <= 0 {
		hz = 60
	}
	return time.Second / time.Duration(hz)
}

// Run 以固定频率驱动 Tick（单线程推进世界），直到 ctx 取消或 Tick 返回传输错误。
// Run 所在协程即服务端状态的唯一拥有者。
func (s *Server) Run(ctx context.Context, hz int) error {
	defer s.app.Recover("server.Run")

	ticker := time.NewTicker(TickInterval(hz))
	defer ticker.Stop()
	s.log.Infof("tick loop started at %d Hz", hz)
	for {
		select {
		case <-ctx.Done():
			s.log.Infof("tick loop stopped at tick %d", s.tick)
			return nil
		case <-ticker.C:
			// 核心循环：处理输入 → 更新世界 → 广播结果
			rep, err := s.Tick()
			if err != nil {
				return err
			}
			if rep.NewClients > 0 {
				s.log.Debugw("tick", "tick", s.tick, "new_clients", rep.NewClients, "clients", rep.Clients)
			}
		}
	}
}
