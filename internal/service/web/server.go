package web

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"tomoon_nexus/internal/shared/logger"
	"tomoon_nexus/internal/shared/settings"
	"tomoon_nexus/internal/shared/types"
)

// --- DIAGNOSTIC HELPER: A listener that logs accepted connections ---
type loggingListener struct {
	net.Listener
	name string
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Str("listener", l.name).Msgf(" [WebServer DIAGNOSTIC] Connection accepted from: %s ", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// NewPublicMux 构建对外监听口：订阅提交页面与静态资源。
func NewPublicMux(cfg *types.Config, handler *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/download_sub", handler.HandleDownloadSub)
	if cfg.StaticDir != "" {
		if _, err := os.Stat(cfg.StaticDir); err != nil {
			logger.Warn().Err(err).Str("dir", cfg.StaticDir).Msg("[WebServer] Static directory is not available.")
		}
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}
	return mux
}

// NewControlMux 构建本地控制口的全部路由，除 /ws 外都需要认证。
func NewControlMux(cfg *types.Config, handler *Handler, hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	user, pass := cfg.LocalConf.WebUser, cfg.LocalConf.WebPassword
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, basicAuthMiddleware(fn, user, pass))
	}

	// 兼容旧前端
	route("/get_config", handler.HandleGetConfig)
	route("/get_ip_address", handler.HandleGetIPAddress)
	route("/reload_clash_config", handler.HandleReloadConfig)
	route("/restart_clash", handler.HandleRestartCore)
	route("/download_sub", handler.HandleDownloadSub)
	route("/skip_proxy", handler.settingSetter("skip_proxy", pickSkipProxy))
	route("/override_dns", handler.settingSetter("override_dns", pickOverrideDNS))
	route("/enhanced_mode", handler.settingSetter("enhanced_mode", pickEnhancedMode))
	route("/allow_remote_access", handler.settingSetter("allow_remote_access", pickAllowRemoteAccess))
	route("/dashboard", handler.settingSetter("dashboard", pickDashboard))

	route("/api/settings", handler.HandleSettings)
	route("/api/core", handler.HandleCore)
	route("/api/status", handler.HandleStatus)
	route("/api/subs", handler.HandleSubs)
	route("/api/subs/current", handler.HandleSelectSub)
	route("/api/subs/update", handler.HandleUpdateSubs)
	route("/api/subs/status", handler.HandleSubsStatus)
	route("/api/debug_log", handler.HandleDebugLog)

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	return mux
}

// StartServers 启动对外监听口 (0.0.0.0:external_port) 与控制口 (bind_host:backend_port)。
// 返回已成功监听的 server，用于 Shutdown。
func StartServers(
	wg *sync.WaitGroup,
	cfg *types.Config,
	settingsManager *settings.SettingsManager,
	controller ServerController,
	hub *Hub,
) []*http.Server {
	handler := NewHandler(settingsManager, controller)
	current := settingsManager.Get()

	bindHost := cfg.LocalConf.BindHost
	if bindHost == "" {
		bindHost = "127.0.0.1"
	}

	var servers []*http.Server
	if srv := serve(wg, "public", fmt.Sprintf("0.0.0.0:%d", current.ExternalPort), NewPublicMux(cfg, handler)); srv != nil {
		servers = append(servers, srv)
	}
	if srv := serve(wg, "control", net.JoinHostPort(bindHost, fmt.Sprint(current.BackendPort)), NewControlMux(cfg, handler, hub)); srv != nil {
		servers = append(servers, srv)
	}
	return servers
}

func serve(wg *sync.WaitGroup, name, addr string, mux http.Handler) *http.Server {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error().Err(err).Str("listener", name).Str("addr", addr).Msg("!!! FAILED to start web server")
		return nil
	}
	logger.Info().Str("listener", name).Msgf("SUCCESS: Web server is listening on http://%s", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener, name: name}); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("listener", name).Msg("Web server error")
		}
		logger.Info().Str("listener", name).Msg("Web server stopped.")
	}()
	return srv
}
