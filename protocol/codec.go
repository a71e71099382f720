package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	kindSize           = 1
	inputSize          = 24
	snapshotHeaderSize = 4 + 4 + 4
	entitySize         = 4 + 3*4 + 3*4 + 4
)

var (
	ErrEmpty         = errors.New("empty payload")
	ErrUnknownKind   = errors.New("unknown message kind")
	ErrTruncated     = errors.New("truncated payload")
	ErrTrailingBytes = errors.New("trailing bytes after message")
)

// DecodeError 解码失败；Err 是上面的哨兵错误之一
type DecodeError struct {
	Kind Kind
	Len  int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s (%d bytes): %v", e.Kind, e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var le = binary.LittleEndian

// Encode 编码总是成功且无损；数据报大小上限由传输层检查
func Encode(m Message) []byte {
	switch msg := m.(type) {
	case Connect, *Connect:
		return []byte{byte(KindConnect)}
	case Disconnect, *Disconnect:
		return []byte{byte(KindDisconnect)}
	case Input:
		return encodeInput(msg.Command)
	case *Input:
		return encodeInput(msg.Command)
	case SnapshotMsg:
		return encodeSnapshot(&msg.Snapshot)
	case *SnapshotMsg:
		return encodeSnapshot(&msg.Snapshot)
	default:
		// 未知实现的 Message 退化为按种类编码空消息
		return []byte{byte(m.Kind())}
	}
}

func encodeInput(in InputCommand) []byte {
	b := make([]byte, kindSize+inputSize)
	b[0] = byte(KindInput)
	p := b[kindSize:]
	le.PutUint32(p[0:], in.ClientSeq)
	le.PutUint32(p[4:], math.Float32bits(in.MoveX))
	le.PutUint32(p[8:], math.Float32bits(in.MoveY))
	le.PutUint32(p[12:], math.Float32bits(in.Yaw))
	le.PutUint32(p[16:], math.Float32bits(in.Pitch))
	le.PutUint32(p[20:], in.Buttons)
	return b
}

func encodeSnapshot(s *Snapshot) []byte {
	ents := s.Entities
	b := make([]byte, kindSize+snapshotHeaderSize+len(ents)*entitySize)
	b[0] = byte(KindSnapshot)
	p := b[kindSize:]
	le.PutUint32(p[0:], s.ServerTick)
	le.PutUint32(p[4:], s.AckClientSeq)
	le.PutUint32(p[8:], uint32(len(ents)))
	off := snapshotHeaderSize
	for i := range ents {
		putEntity(p[off:off+entitySize], &ents[i])
		off += entitySize
	}
	return b
}

func putEntity(p []byte, e *SnapshotEntity) {
	le.PutUint32(p[0:], e.NetID)
	for i := 0; i < 3; i++ {
		le.PutUint32(p[4+i*4:], math.Float32bits(e.Position[i]))
		le.PutUint32(p[16+i*4:], math.Float32bits(e.Velocity[i]))
	}
	le.PutUint32(p[28:], math.Float32bits(e.Yaw))
}

func readEntity(p []byte) SnapshotEntity {
	var e SnapshotEntity
	e.NetID = le.Uint32(p[0:])
	for i := 0; i < 3; i++ {
		e.Position[i] = math.Float32frombits(le.Uint32(p[4+i*4:]))
		e.Velocity[i] = math.Float32frombits(le.Uint32(p[16+i*4:]))
	}
	e.Yaw = math.Float32frombits(le.Uint32(p[28:]))
	return e
}

// Decode 解析一条消息；截断或畸形数据返回 *DecodeError，不会 panic
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, &DecodeError{Len: 0, Err: ErrEmpty}
	}
	kind := Kind(b[0])
	body := b[kindSize:]
	fail := func(err error) (Message, error) {
		return nil, &DecodeError{Kind: kind, Len: len(b), Err: err}
	}

	switch kind {
	case KindConnect, KindDisconnect:
		if len(body) != 0 {
			return fail(ErrTrailingBytes)
		}
		if kind == KindConnect {
			return Connect{}, nil
		}
		return Disconnect{}, nil

	case KindInput:
		if len(body) < inputSize {
			return fail(ErrTruncated)
		}
		if len(body) > inputSize {
			return fail(ErrTrailingBytes)
		}
		return Input{Command: InputCommand{
			ClientSeq: le.Uint32(body[0:]),
			MoveX:     math.Float32frombits(le.Uint32(body[4:])),
			MoveY:     math.Float32frombits(le.Uint32(body[8:])),
			Yaw:       math.Float32frombits(le.Uint32(body[12:])),
			Pitch:     math.Float32frombits(le.Uint32(body[16:])),
			Buttons:   le.Uint32(body[20:]),
		}}, nil

	case KindSnapshot:
		if len(body) < snapshotHeaderSize {
			return fail(ErrTruncated)
		}
		// 先按剩余长度约束 count，避免按伪造的 count 分配内存
		count := uint64(le.Uint32(body[8:]))
		have := uint64(len(body) - snapshotHeaderSize)
		if count*entitySize > have {
			return fail(ErrTruncated)
		}
		if count*entitySize < have {
			return fail(ErrTrailingBytes)
		}
		n := int(count)
		s := Snapshot{
			ServerTick:   le.Uint32(body[0:]),
			AckClientSeq: le.Uint32(body[4:]),
		}
		if n > 0 {
			s.Entities = make([]SnapshotEntity, n)
			off := snapshotHeaderSize
			for i := 0; i < n; i++ {
				s.Entities[i] = readEntity(body[off : off+entitySize])
				off += entitySize
			}
		}
		return SnapshotMsg{Snapshot: s}, nil

	default:
		return fail(ErrUnknownKind)
	}
}
