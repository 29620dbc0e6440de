package matching

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// AdminServer exposes operational endpoints for a Registry over HTTP.
// The /contexts and /debug/vars responses are JSON; /debug/pprof serves
// the standard pprof formats. Intended for admin/internal networks only.
type AdminServer struct {
	reg      *Registry
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(reg *Registry, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		reg:      reg,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/contexts", as.handleContexts)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server listening", "addr", as.Addr())
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := as.server.Shutdown(ctx); err != nil {
		slog.Error("admin server shutdown", "error", err)
	}
}

type adminTarget struct {
	Addr          string `json:"addr"`
	Status        string `json:"status"`
	SendBusy      bool   `json:"send_busy"`
	RetryCount    int    `json:"retry_count"`
	SendDataCount int32  `json:"send_data_count"`
	RecvDataCount int32  `json:"recv_data_count"`
	PendingDelete bool   `json:"pending_delete"`
}

type adminContext struct {
	ID      int           `json:"id"`
	Mode    string        `json:"mode"`
	Status  string        `json:"status"`
	Port    uint16        `json:"port"`
	OwnAddr string        `json:"own_addr"`
	Maxnum  int           `json:"maxnum"`
	Targets []adminTarget `json:"targets"`
}

func (as *AdminServer) handleContexts(w http.ResponseWriter, _ *http.Request) {
	r := as.reg
	r.mu.Lock()
	out := make([]adminContext, 0, len(r.contexts))
	for id := 1; id <= maxContexts; id++ {
		c := r.contexts[id]
		if c == nil {
			continue
		}
		ac := adminContext{
			ID:      c.id,
			Mode:    c.mode.String(),
			Status:  c.status.String(),
			Port:    c.port,
			OwnAddr: c.ownAddr.String(),
			Maxnum:  c.maxnum,
		}
		for _, t := range c.targets {
			ac.Targets = append(ac.Targets, adminTarget{
				Addr:          t.addr.String(),
				Status:        t.status.String(),
				SendBusy:      t.sendDataStatus == SendDataBusy,
				RetryCount:    t.retryCount,
				SendDataCount: t.sendDataCount,
				RecvDataCount: t.recvDataCount,
				PendingDelete: t.deleteFlag,
			})
		}
		out = append(out, ac)
	}
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Error("admin encode", "error", err)
	}
}
