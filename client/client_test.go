package client

import (
	"errors"
	"math"
	"testing"

	"tickarena/protocol"
	"tickarena/server"
	"tickarena/transport"
)

func decodeAll(t *testing.T, ep *transport.Loopback) []protocol.Message {
	t.Helper()
	evs, err := ep.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	var out []protocol.Message
	for _, ev := range evs {
		m, err := protocol.Decode(ev.Payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Channel != protocol.ChannelFor(m) {
			t.Fatalf("%s sent on channel %d", m.Kind(), ev.Channel)
		}
		out = append(out, m)
	}
	return out
}

func TestConnectAndSequencing(t *testing.T) {
	n := transport.NewLoopbackNetwork()
	srv := n.Endpoint("server")
	c, err := Connect(n.Endpoint("c1"), "server", "alice")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	for want := uint32(1); want <= 3; want++ {
		seq, err := c.SendInput(protocol.InputCommand{ClientSeq: 99, MoveX: 1})
		if err != nil {
			t.Fatalf("send input: %v", err)
		}
		if seq != want {
			t.Fatalf("seq=%d want %d", seq, want)
		}
	}

	msgs := decodeAll(t, srv)
	if len(msgs) != 4 || msgs[0].Kind() != protocol.KindConnect {
		t.Fatalf("messages=%+v", msgs)
	}
	for i, m := range msgs[1:] {
		in := m.(protocol.Input).Command
		if in.ClientSeq != uint32(i+1) || in.MoveX != 1 {
			t.Fatalf("input %d = %+v", i, in)
		}
	}
}

func sendSnapshot(t *testing.T, from *transport.Loopback, to transport.Addr, s protocol.Snapshot) {
	t.Helper()
	if err := from.Send(to, protocol.ChannelSnapshot, protocol.Encode(protocol.SnapshotMsg{Snapshot: s})); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := from.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestPollRetainsNewestSnapshot(t *testing.T) {
	n := transport.NewLoopbackNetwork()
	srv := n.Endpoint("server")
	c, _ := Connect(n.Endpoint("c1"), "server", "alice")

	if _, ok := c.LastSnapshot(); ok {
		t.Fatalf("no snapshot expected before poll")
	}

	sendSnapshot(t, srv, "c1", protocol.Snapshot{ServerTick: 5, AckClientSeq: 1})
	sendSnapshot(t, srv, "c1", protocol.Snapshot{ServerTick: 7, AckClientSeq: 2})
	sendSnapshot(t, srv, "c1", protocol.Snapshot{ServerTick: 6, AckClientSeq: 9})
	// 非快照与畸形数据被忽略
	_ = srv.Send("c1", protocol.ChannelSnapshot, []byte{byte(protocol.KindSnapshot), 1})
	_ = srv.Send("c1", protocol.ChannelControl, protocol.Encode(protocol.Connect{}))
	_ = srv.Flush()

	kept, err := c.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if kept != 2 || c.StaleSnapshots() != 1 {
		t.Fatalf("kept=%d stale=%d", kept, c.StaleSnapshots())
	}
	for i := 0; i < 2; i++ {
		s, ok := c.LastSnapshot()
		if !ok || s.ServerTick != 7 || s.AckClientSeq != 2 {
			t.Fatalf("read %d: snapshot=%+v ok=%v", i, s, ok)
		}
	}

	// 空轮询不清除已保留的快照
	if kept, _ := c.Poll(); kept != 0 {
		t.Fatalf("kept=%d on idle poll", kept)
	}
	if s, ok := c.LastSnapshot(); !ok || s.ServerTick != 7 {
		t.Fatalf("snapshot lost after idle poll")
	}
}

func TestRetentionAcrossTickWrap(t *testing.T) {
	n := transport.NewLoopbackNetwork()
	srv := n.Endpoint("server")
	c, _ := Connect(n.Endpoint("c1"), "server", "alice")

	sendSnapshot(t, srv, "c1", protocol.Snapshot{ServerTick: math.MaxUint32})
	sendSnapshot(t, srv, "c1", protocol.Snapshot{ServerTick: 1})
	sendSnapshot(t, srv, "c1", protocol.Snapshot{ServerTick: math.MaxUint32 - 1})
	_, _ = c.Poll()
	s, _ := c.LastSnapshot()
	if s.ServerTick != 1 {
		t.Fatalf("tick=%d want 1 after wrap", s.ServerTick)
	}
}

func TestEqualTickReplaces(t *testing.T) {
	n := transport.NewLoopbackNetwork()
	srv := n.Endpoint("server")
	c, _ := Connect(n.Endpoint("c1"), "server", "alice")
	sendSnapshot(t, srv, "c1", protocol.Snapshot{ServerTick: 3, AckClientSeq: 1})
	sendSnapshot(t, srv, "c1", protocol.Snapshot{ServerTick: 3, AckClientSeq: 2})
	_, _ = c.Poll()
	if s, _ := c.LastSnapshot(); s.AckClientSeq != 2 {
		t.Fatalf("ack=%d want 2", s.AckClientSeq)
	}
}

func TestResetSnapshotAcceptsRestartedServer(t *testing.T) {
	n := transport.NewLoopbackNetwork()
	srv := n.Endpoint("server")
	c, _ := Connect(n.Endpoint("c1"), "server", "alice")
	sendSnapshot(t, srv, "c1", protocol.Snapshot{ServerTick: 90000})
	_, _ = c.Poll()

	// 重启后的服务端从 tick 0 开始
	sendSnapshot(t, srv, "c1", protocol.Snapshot{ServerTick: 0, AckClientSeq: 1})
	if kept, _ := c.Poll(); kept != 0 || c.StaleSnapshots() != 1 {
		t.Fatalf("kept=%d stale=%d", kept, c.StaleSnapshots())
	}

	c.ResetSnapshot()
	if _, ok := c.LastSnapshot(); ok {
		t.Fatalf("snapshot should be cleared")
	}
	sendSnapshot(t, srv, "c1", protocol.Snapshot{ServerTick: 1, AckClientSeq: 2})
	_, _ = c.Poll()
	if s, ok := c.LastSnapshot(); !ok || s.ServerTick != 1 || s.AckClientSeq != 2 {
		t.Fatalf("snapshot=%+v ok=%v", s, ok)
	}
}

func TestDisconnectIsFireAndForget(t *testing.T) {
	n := transport.NewLoopbackNetwork()
	srv := n.Endpoint("server")
	c, _ := Connect(n.Endpoint("c1"), "server", "alice")
	_, _ = c.SendInput(protocol.InputCommand{})
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if _, err := c.SendInput(protocol.InputCommand{}); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("send after disconnect: %v", err)
	}
	msgs := decodeAll(t, srv)
	if len(msgs) != 3 || msgs[2].Kind() != protocol.KindDisconnect {
		t.Fatalf("messages=%+v", msgs)
	}
}

func TestTransportErrorsSurface(t *testing.T) {
	n := transport.NewLoopbackNetwork()
	ep := n.Endpoint("c1")
	c, err := Connect(ep, "server", "alice")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = ep.Close()
	var te *TransportError
	if _, err := c.SendInput(protocol.InputCommand{}); !errors.As(err, &te) || !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("send input err=%v", err)
	}
	if _, err := c.Poll(); !errors.As(err, &te) || te.Op != "poll" {
		t.Fatalf("poll err=%v", err)
	}
	if _, err := Connect(ep, "server", "bob"); !errors.As(err, &te) {
		t.Fatalf("connect on closed transport err=%v", err)
	}
}

func TestEndToEndSingleClient(t *testing.T) {
	n := transport.NewLoopbackNetwork()
	srv, err := server.Bind(n.Endpoint("server"), 1)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	c, err := Connect(n.Endpoint("c1"), "server", "alice")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := c.SendInput(protocol.InputCommand{MoveX: 1}); err != nil {
		t.Fatalf("send input: %v", err)
	}
	if _, err := srv.Tick(); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := c.Poll(); err != nil {
		t.Fatalf("poll: %v", err)
	}
	s, ok := c.LastSnapshot()
	if !ok || s.AckClientSeq != 1 || len(s.Entities) != 1 {
		t.Fatalf("snapshot=%+v", s)
	}
	pos := s.Entities[0].Position
	if math.Abs(float64(pos[0])-320.0/60.0) > 1e-4 || pos[2] != 0 {
		t.Fatalf("position=%v", pos)
	}
}

func TestEndToEndTwoClients(t *testing.T) {
	n := transport.NewLoopbackNetwork()
	srv, _ := server.Bind(n.Endpoint("server"), 1)
	a, _ := Connect(n.Endpoint("a"), "server", "alice")
	b, _ := Connect(n.Endpoint("b"), "server", "bob")
	_, _ = a.SendInput(protocol.InputCommand{MoveX: 1, Yaw: 0.25})
	_, _ = b.SendInput(protocol.InputCommand{MoveY: -1, Yaw: 1})
	_, _ = b.SendInput(protocol.InputCommand{MoveY: 1, Yaw: 2})

	rep, err := srv.Tick()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.NewClients != 2 || rep.SnapshotsSent != 2 {
		t.Fatalf("report=%+v", rep)
	}
	_, _ = a.Poll()
	_, _ = b.Poll()
	sa, _ := a.LastSnapshot()
	sb, _ := b.LastSnapshot()
	if len(sa.Entities) != 2 || len(sb.Entities) != 2 {
		t.Fatalf("entities a=%d b=%d", len(sa.Entities), len(sb.Entities))
	}
	if sa.AckClientSeq != 1 || sb.AckClientSeq != 2 {
		t.Fatalf("acks a=%d b=%d", sa.AckClientSeq, sb.AckClientSeq)
	}
	byID := map[uint32]protocol.SnapshotEntity{}
	for _, e := range sa.Entities {
		byID[e.NetID] = e
	}
	for _, e := range sb.Entities {
		if byID[e.NetID] != e {
			t.Fatalf("entity %d differs between recipients: %+v vs %+v", e.NetID, byID[e.NetID], e)
		}
	}
}

func TestEndToEndOverLossyNetwork(t *testing.T) {
	n := transport.NewLoopbackNetwork()
	srv, _ := server.Bind(n.Endpoint("server"), 1)
	c, _ := Connect(n.Endpoint("c1"), "server", "alice")

	// 丢掉所有偶数序列号的输入
	n.SetDrop(func(ev transport.Event, to transport.Addr) bool {
		if ev.Channel != protocol.ChannelInput {
			return false
		}
		m, err := protocol.Decode(ev.Payload)
		return err == nil && m.(protocol.Input).Command.ClientSeq%2 == 0
	})
	for i := 0; i < 10; i++ {
		if _, err := c.SendInput(protocol.InputCommand{MoveX: 1}); err != nil {
			t.Fatalf("send: %v", err)
		}
		if _, err := srv.Tick(); err != nil {
			t.Fatalf("tick: %v", err)
		}
		if _, err := c.Poll(); err != nil {
			t.Fatalf("poll: %v", err)
		}
		s, _ := c.LastSnapshot()
		wantAck := uint32(i + 1)
		if wantAck%2 == 0 {
			wantAck--
		}
		if s.AckClientSeq != wantAck {
			t.Fatalf("iteration %d: ack=%d want %d", i, s.AckClientSeq, wantAck)
		}
	}
}
