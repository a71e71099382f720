package server

import (
	"encoding/json"
	"net/http"
)

// AdminHandler 管理与监控接口：
// GET  /metrics        运行指标
// GET  /healthz        存活检查
// GET  /admin/config   当前快照步长与 tick
// POST /admin/config   {"snapshotStride": n} 热更新步长（下一个 Tick 生效）
//
// 处理函数只读取原子指标，从不直接访问 Tick 协程拥有的状态。
func AdminHandler(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.metrics.Snapshot())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/config", func(w http.ResponseWriter, r *http.Request) {
		handleAdminConfig(s, w, r)
	})
	return mux
}

type adminConfig struct {
	SnapshotStride *int    `json:"snapshotStride,omitempty"`
	ServerTick     *uint32 `json:"serverTick,omitempty"`
	Addr           string  `json:"addr,omitempty"`
}

func handleAdminConfig(s *Server, w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		stride := int(s.metrics.Stride())
		tick := s.metrics.ServerTick()
		writeJSON(w, http.StatusOK, adminConfig{SnapshotStride: &stride, ServerTick: &tick, Addr: string(s.addr)})
	case http.MethodPost:
		var body adminConfig
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if body.SnapshotStride == nil {
			http.Error(w, "snapshotStride required", http.StatusBadRequest)
			return
		}
		if !s.RequestStride(*body.SnapshotStride) {
			http.Error(w, "too many pending updates", http.StatusServiceUnavailable)
			return
		}
		s.log.Infof("admin requested snapshot stride %d", *body.SnapshotStride)
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
