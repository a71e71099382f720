package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLoopbackDeliversOnFlushInOrder(t *testing.T) {
	n := NewLoopbackNetwork()
	a := n.Endpoint("a")
	b := n.Endpoint("b")

	for i := byte(0); i < 3; i++ {
		if err := a.Send("b", 1, []byte{i}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if evs, _ := b.Poll(); len(evs) != 0 {
		t.Fatalf("expected nothing before flush, got %d events", len(evs))
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	evs, err := b.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3", len(evs))
	}
	for i, ev := range evs {
		if ev.From != "a" || ev.Channel != 1 || ev.Payload[0] != byte(i) {
			t.Fatalf("event %d = %+v", i, ev)
		}
	}
	if evs, _ := b.Poll(); len(evs) != 0 {
		t.Fatalf("poll should drain, got %d more", len(evs))
	}
}

func TestLoopbackCopiesPayload(t *testing.T) {
	n := NewLoopbackNetwork()
	a := n.Endpoint("a")
	b := n.Endpoint("b")
	buf := []byte{1, 2, 3}
	_ = a.Send("b", 0, buf)
	buf[0] = 9
	_ = a.Flush()
	evs, _ := b.Poll()
	if !bytes.Equal(evs[0].Payload, []byte{1, 2, 3}) {
		t.Fatalf("payload aliased caller buffer: %v", evs[0].Payload)
	}
}

func TestLoopbackFaultInjection(t *testing.T) {
	n := NewLoopbackNetwork()
	a := n.Endpoint("a")
	b := n.Endpoint("b")

	n.SetDrop(func(ev Event, to Addr) bool { return ev.Payload[0] == 1 })
	n.SetReorder(true)
	n.SetDuplicate(true)
	for i := byte(0); i < 3; i++ {
		_ = a.Send("b", 1, []byte{i})
	}
	_ = a.Flush()
	evs, _ := b.Poll()
	var got []byte
	for _, ev := range evs {
		got = append(got, ev.Payload[0])
	}
	if !bytes.Equal(got, []byte{2, 2, 0, 0}) {
		t.Fatalf("delivery = %v, want [2 2 0 0]", got)
	}
}

func TestLoopbackUnknownAndClosed(t *testing.T) {
	n := NewLoopbackNetwork()
	a := n.Endpoint("a")
	if err := a.Send("nowhere", 0, nil); err != nil {
		t.Fatalf("send to unknown peer should be silent: %v", err)
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	_ = a.Close()
	if _, err := a.Poll(); !errors.Is(err, ErrClosed) {
		t.Fatalf("poll after close: %v", err)
	}
	if err := a.Send("b", 0, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if _, err := a.LocalAddr(); !errors.Is(err, ErrClosed) {
		t.Fatalf("local addr after close: %v", err)
	}
	if n.Endpoint("a") == a {
		t.Fatalf("closed endpoint should be replaced")
	}
}

func TestLoopbackRejectsOversizedPayload(t *testing.T) {
	n := NewLoopbackNetwork()
	a := n.Endpoint("a")
	if err := a.Send("b", 0, make([]byte, maxDatagram)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err=%v", err)
	}
}

func pollUntil(t *testing.T, tr Transport, want int) []Event {
	t.Helper()
	var got []Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evs, err := tr.Poll()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		got = append(got, evs...)
		if len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", want, len(got))
	return nil
}

func TestUDPSendAndPoll(t *testing.T) {
	srv, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	cli, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer cli.Close()

	if evs, err := srv.Poll(); err != nil || len(evs) != 0 {
		t.Fatalf("idle poll = %v, %v", evs, err)
	}

	srvAddr, _ := srv.LocalAddr()
	cliAddr, _ := cli.LocalAddr()
	if err := cli.Send(srvAddr, 1, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = cli.Flush()

	evs := pollUntil(t, srv, 1)
	if evs[0].Channel != 1 || string(evs[0].Payload) != "hello" {
		t.Fatalf("event = %+v", evs[0])
	}
	if evs[0].From != cliAddr {
		t.Fatalf("from=%s want %s", evs[0].From, cliAddr)
	}

	if err := srv.Send(evs[0].From, 2, []byte("snap")); err != nil {
		t.Fatalf("reply: %v", err)
	}
	back := pollUntil(t, cli, 1)
	if back[0].Channel != 2 || string(back[0].Payload) != "snap" {
		t.Fatalf("reply event = %+v", back[0])
	}
}

func TestUDPClosed(t *testing.T) {
	u, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := u.Poll(); !errors.Is(err, ErrClosed) {
		t.Fatalf("poll after close: %v", err)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestWSRoundTrip(t *testing.T) {
	l := NewWSListener("test", WithPeerCloseEvent(0, []byte{1}))
	defer l.Close()
	hs := httptest.NewServer(l)
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	c, err := DialWS(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := c.Send(c.RemoteAddr(), 1, []byte("in")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Send("elsewhere", 1, nil); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("send to wrong peer: %v", err)
	}
	evs := pollUntil(t, l, 1)
	if evs[0].Channel != 1 || string(evs[0].Payload) != "in" {
		t.Fatalf("server event = %+v", evs[0])
	}

	if err := l.Send(evs[0].From, 2, []byte("out")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	back := pollUntil(t, c, 1)
	if back[0].From != c.RemoteAddr() || back[0].Channel != 2 || string(back[0].Payload) != "out" {
		t.Fatalf("client event = %+v", back[0])
	}

	_ = c.Close()
	gone := pollUntil(t, l, 1)
	if gone[0].Channel != 0 || !bytes.Equal(gone[0].Payload, []byte{1}) || gone[0].From != evs[0].From {
		t.Fatalf("close event = %+v", gone[0])
	}
	if err := l.Send(evs[0].From, 2, []byte("late")); err != nil {
		t.Fatalf("send to departed peer should be silent: %v", err)
	}
}
