package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tickarena/appctx"
	"tickarena/client"
	"tickarena/config"
	"tickarena/protocol"
	"tickarena/record"
	"tickarena/server"
	"tickarena/transport"
)

// tickarena 入口：-mode server 启动权威服务端；-mode bot 启动若干脚本客户端；
// -mode replay 打印快照录制文件
func main() {
	var (
		mode       = flag.String("mode", "server", "server | bot | replay")
		configPath = flag.String("config", "", "path to YAML config (optional)")
		addr       = flag.String("addr", "", "transport listen address, overrides config")
		stride     = flag.Int("stride", 0, "snapshot stride, overrides config when > 0")
		recordPath = flag.String("record", "", "snapshot record file (server: write, replay: read)")
		serverAddr = flag.String("server", "127.0.0.1:27500", "bot: server address (udp host:port or ws:// url)")
		bots       = flag.Int("bots", 1, "bot: number of clients")
		duration   = flag.Duration("duration", 0, "bot: stop after this long (0 = until Ctrl+C)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *stride > 0 {
		cfg.SnapshotStride = *stride
	}
	if *recordPath != "" {
		cfg.RecordPath = *recordPath
	}

	if *mode == "replay" {
		if err := replay(cfg.RecordPath); err != nil {
			fmt.Fprintf(os.Stderr, "replay: %v\n", err)
			os.Exit(1)
		}
		return
	}

	app, err := appctx.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	// 优雅退出（Ctrl+C）
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "server":
		err = runServer(ctx, app, cfg)
	case "bot":
		if *duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, *duration)
			defer cancel()
		}
		err = runBots(ctx, app, cfg, *serverAddr, *bots)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	app.Fail(err)
	if cerr := app.Close(); cerr != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", cerr)
	}
	if app.Err() != nil {
		os.Exit(1)
	}
}

func runServer(ctx context.Context, app *appctx.Context, cfg config.Config) error {
	var (
		tr  transport.Transport
		mux = http.NewServeMux()
	)
	switch cfg.Transport {
	case "ws":
		// 连接断开等同于 Disconnect
		l := transport.NewWSListener(cfg.Listen,
			transport.WithLogger(app.Log),
			transport.WithPeerCloseEvent(protocol.ChannelControl, protocol.Encode(protocol.Disconnect{})))
		mux.Handle("/ws", l)
		tr = l
	default:
		u, err := transport.ListenUDP(cfg.Listen, transport.WithLogger(app.Log))
		if err != nil {
			return err
		}
		tr = u
	}
	app.OnClose(tr.Close)

	opts := []server.Option{server.WithContext(app)}
	if cfg.RecordPath != "" {
		rec, err := record.NewRecorder(cfg.RecordPath, 256, app.Log)
		if err != nil {
			return fmt.Errorf("recorder: %w", err)
		}
		app.OnClose(rec.Close)
		opts = append(opts, server.WithRecorder(rec))
	}

	srv, err := server.Bind(tr, cfg.SnapshotStride, opts...)
	if err != nil {
		return err
	}

	// 管理与监控接口；ws 模式下与传输共用监听地址
	admin := server.AdminHandler(srv)
	var servers []*http.Server
	if cfg.Transport == "ws" {
		mux.Handle("/", admin)
		servers = append(servers, &http.Server{Addr: cfg.Listen, Handler: mux})
	} else if cfg.AdminListen != "" {
		servers = append(servers, &http.Server{Addr: cfg.AdminListen, Handler: admin})
	}
	for _, hs := range servers {
		hs := hs
		go func() {
			defer app.Recover("http")
			app.Log.Infof("http listening on %s", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.Fail(fmt.Errorf("http %s: %w", hs.Addr, err))
			}
		}()
		app.OnClose(func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	err = srv.Run(ctx, cfg.TickRateHz)
	app.Log.Info("Shutting down...")
	return err
}

func runBots(ctx context.Context, app *appctx.Context, cfg config.Config, serverAddr string, n int) error {
	type bot struct {
		c  *client.Client
		tr transport.Transport
	}
	var bs []bot
	defer func() {
		for _, b := range bs {
			_ = b.c.Disconnect()
			_ = b.tr.Close()
		}
	}()

	for i := 0; i < n; i++ {
		var (
			tr     transport.Transport
			remote = transport.Addr(serverAddr)
		)
		if strings.HasPrefix(serverAddr, "ws://") || strings.HasPrefix(serverAddr, "wss://") {
			wc, err := transport.DialWS(ctx, serverAddr, transport.WithLogger(app.Log))
			if err != nil {
				return err
			}
			tr, remote = wc, wc.RemoteAddr()
		} else {
			u, err := transport.ListenUDP(":0", transport.WithLogger(app.Log))
			if err != nil {
				return err
			}
			tr = u
		}
		c, err := client.Connect(tr, remote, fmt.Sprintf("bot-%d", i+1), client.WithContext(app))
		if err != nil {
			_ = tr.Close()
			return err
		}
		bs = append(bs, bot{c: c, tr: tr})
	}

	ticker := time.NewTicker(server.TickInterval(cfg.TickRateHz))
	defer ticker.Stop()
	frame := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		frame++
		for i, b := range bs {
			// 每个 bot 绕圈移动，相位错开
			phase := float64(frame)/float64(cfg.TickRateHz) + float64(i)
			in := protocol.InputCommand{
				MoveX: float32(math.Cos(phase)),
				MoveY: float32(math.Sin(phase)),
				Yaw:   float32(phase),
			}
			if _, err := b.c.SendInput(in); err != nil {
				return err
			}
			if _, err := b.c.Poll(); err != nil {
				return err
			}
			if frame%cfg.TickRateHz == 0 {
				if s, ok := b.c.LastSnapshot(); ok {
					app.Log.Infof("%s: server_tick=%d ack=%d/%d entities=%d",
						b.c.ID(), s.ServerTick, s.AckClientSeq, b.c.Seq(), len(s.Entities))
				}
			}
		}
	}
}

func replay(path string) error {
	if path == "" {
		return errors.New("-record is required")
	}
	frames, err := record.ReadFrames(path)
	if err != nil {
		return err
	}
	for _, fr := range frames {
		fmt.Printf("tick=%d clients=%d\n", fr.Tick, fr.Clients)
		for _, e := range fr.Entities {
			fmt.Printf("  net_id=%d pos=(%.3f, %.3f, %.3f) vel=(%.1f, %.1f, %.1f) yaw=%.3f\n",
				e.NetID, e.Position[0], e.Position[1], e.Position[2],
				e.Velocity[0], e.Velocity[1], e.Velocity[2], e.Yaw)
		}
	}
	fmt.Printf("%d frames\n", len(frames))
	return nil
}
