// Package record 把服务端广播的快照写成 zstd 压缩的 JSONL，供离线回放与排查。
package record

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"tickarena/protocol"
)

// Frame 一次广播的记录
type Frame struct {
	Tick     uint32
	Clients  int
	Entities []protocol.SnapshotEntity
}

// 落盘格式；浮点用 jsonFloat，NaN/Inf 也能写出与读回
type frameJSON struct {
	Tick     uint32       `json:"tick"`
	Clients  int          `json:"clients"`
	Entities []entityJSON `json:"entities"`
}

type entityJSON struct {
	NetID    uint32       `json:"net_id"`
	Position [3]jsonFloat `json:"position"`
	Velocity [3]jsonFloat `json:"velocity"`
	Yaw      jsonFloat    `json:"yaw"`
}

// jsonFloat 有限值写成数字，NaN/±Inf 写成字符串
type jsonFloat float32

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 32), nil
}

func (f *jsonFloat) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"NaN"`:
		*f = jsonFloat(math.NaN())
		return nil
	case `"+Inf"`:
		*f = jsonFloat(math.Inf(1))
		return nil
	case `"-Inf"`:
		*f = jsonFloat(math.Inf(-1))
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 32)
	if err != nil {
		return fmt.Errorf("float %s: %w", b, err)
	}
	*f = jsonFloat(v)
	return nil
}

func toJSONVec(v [3]float32) [3]jsonFloat {
	return [3]jsonFloat{jsonFloat(v[0]), jsonFloat(v[1]), jsonFloat(v[2])}
}

func fromJSONVec(v [3]jsonFloat) [3]float32 {
	return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}
}

func (fr Frame) toJSON() frameJSON {
	out := frameJSON{Tick: fr.Tick, Clients: fr.Clients, Entities: make([]entityJSON, len(fr.Entities))}
	for i, e := range fr.Entities {
		out.Entities[i] = entityJSON{
			NetID:    e.NetID,
			Position: toJSONVec(e.Position),
			Velocity: toJSONVec(e.Velocity),
			Yaw:      jsonFloat(e.Yaw),
		}
	}
	return out
}

func (fj frameJSON) frame() Frame {
	fr := Frame{Tick: fj.Tick, Clients: fj.Clients}
	if len(fj.Entities) > 0 {
		fr.Entities = make([]protocol.SnapshotEntity, len(fj.Entities))
		for i, e := range fj.Entities {
			fr.Entities[i] = protocol.SnapshotEntity{
				NetID:    e.NetID,
				Position: fromJSONVec(e.Position),
				Velocity: fromJSONVec(e.Velocity),
				Yaw:      float32(e.Yaw),
			}
		}
	}
	return fr
}

var ErrClosed = errors.New("recorder closed")

// Recorder 写协程消费有界队列；Enqueue 从不阻塞 Tick
type Recorder struct {
	log *zap.SugaredLogger

	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer

	qmu     sync.RWMutex
	queue   chan Frame
	done    chan struct{}
	once    sync.Once
	closed  bool
	dropped atomic.Int64
	written atomic.Int64

	mu  sync.Mutex
	err error
}

// NewRecorder 创建（截断）path；queue 为队列容量
func NewRecorder(path string, queue int, log *zap.SugaredLogger) (*Recorder, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if queue <= 0 {
		queue = 256
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r := &Recorder{
		log:   log,
		f:     f,
		enc:   enc,
		w:     bufio.NewWriterSize(enc, 128*1024),
		queue: make(chan Frame, queue),
		done:  make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Enqueue 队列满或已关闭时丢弃并返回 false
func (r *Recorder) Enqueue(fr Frame) bool {
	r.qmu.RLock()
	defer r.qmu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- fr:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for fr := range r.queue {
		if err := r.write(fr); err != nil {
			r.setErr(err)
			r.log.Warnf("record tick %d: %v", fr.Tick, err)
		}
	}
}

func (r *Recorder) write(fr Frame) error {
	b, err := json.Marshal(fr.toJSON())
	if err != nil {
		return err
	}
	if _, err := r.w.Write(b); err != nil {
		return err
	}
	if err := r.w.WriteByte('\n'); err != nil {
		return err
	}
	r.written.Add(1)
	return nil
}

func (r *Recorder) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

// Dropped 因队列满而丢弃的帧数
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written 已写出的帧数
func (r *Recorder) Written() int64 { return r.written.Load() }

// Close 写完队列中剩余的帧后关闭文件
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		r.qmu.Lock()
		r.closed = true
		close(r.queue)
		r.qmu.Unlock()
		<-r.done
		if e := r.w.Flush(); e != nil {
			r.setErr(e)
		}
		if e := r.enc.Close(); e != nil {
			r.setErr(e)
		}
		if e := r.f.Close(); e != nil {
			r.setErr(e)
		}
		r.mu.Lock()
		err = r.err
		r.mu.Unlock()
	})
	return err
}

// ReadFrames 读出录制文件中的全部帧
func ReadFrames(path string) ([]Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Frame
	jd := json.NewDecoder(dec)
	for {
		var fj frameJSON
		if err := jd.Decode(&fj); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("frame %d: %w", len(out), err)
		}
		out = append(out, fj.frame())
	}
}
