package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"tomoon_nexus/internal/shared/apperr"
	"tomoon_nexus/internal/shared/logger"
	"tomoon_nexus/internal/shared/settings"
	"tomoon_nexus/internal/shared/types"
)

// ServerController defines the interface that the web handler uses to interact with the AppServer.
// This decouples the web package from the app package.
type ServerController interface {
	SetCoreEnabled(enabled bool) error
	CoreStatus() types.CoreStatus
	RunningStatusDetail() string
	ConfigView() settings.Settings
	ReloadCoreConfig(ctx context.Context) error
	RestartCore(ctx context.Context) error
	DownloadSubscription(url string, subconv bool) error
	UpdateSubscriptions() error
	ListSubscriptions() []settings.Subscription
	DeleteSubscription(index int) error
	SelectSubscription(path string) error
	WriteDebugReport() (string, error)
}

type Handler struct {
	settingsManager *settings.SettingsManager
	controller      ServerController
}

func NewHandler(settingsManager *settings.SettingsManager, controller ServerController) *Handler {
	return &Handler{
		settingsManager: settingsManager,
		controller:      controller,
	}
}

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperr.Wrap(apperr.IO, err, "read request body")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return apperr.New(apperr.Content, "request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Wrap(apperr.Content, err, "invalid JSON body")
	}
	return nil
}

// parseBool 兼容表单里的 "on"
func parseBool(v string) bool {
	if strings.EqualFold(v, "on") {
		return true
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// --- 兼容旧前端的接口 ---

// HandleGetConfig 处理 GET /get_config
func (h *Handler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	view := h.controller.ConfigView()
	status := h.controller.CoreStatus()
	writeOK(w, struct {
		settings.Settings
		Status types.TaskStatus `json:"status"`
		Enable bool             `json:"enable"`
	}{view, status.RunningStatus, status.State == types.CoreRunning})
}

// HandleGetIPAddress 处理 GET /get_ip_address
func (h *Handler) HandleGetIPAddress(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeOK(w, map[string]string{"ip": localIP()})
}

// HandleReloadConfig 处理 /reload_clash_config
func (h *Handler) HandleReloadConfig(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if err := h.controller.ReloadCoreConfig(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

// HandleRestartCore 处理 /restart_clash
func (h *Handler) HandleRestartCore(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if err := h.controller.RestartCore(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

// HandleDownloadSub 处理 POST /download_sub，接受表单 (link, subconv) 或 JSON。
// 下载在后台进行，进度通过 /api/subs/status 或 websocket 获取。
func (h *Handler) HandleDownloadSub(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Link    string `json:"link"`
		Subconv bool   `json:"subconv"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, apperr.Wrap(apperr.Content, err, "invalid form"))
			return
		}
		req.Link = r.FormValue("link")
		req.Subconv = parseBool(r.FormValue("subconv"))
	}
	req.Link = strings.TrimSpace(req.Link)

	logger.Info().Str("link", req.Link).Bool("subconv", req.Subconv).Msg("[Handler] Subscription download requested.")
	if err := h.controller.DownloadSubscription(req.Link, req.Subconv); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: map[string]string{"message": "Downloading in the background."}})
}

// settingSetter 生成单字段设置接口，例如 POST /skip_proxy {"skip_proxy": true}。
// pick 从请求体中只取出该字段，其余字段一律忽略。
func (h *Handler) settingSetter(field string, pick func(settings.Patch) settings.Patch) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodPost) {
			return
		}
		var body settings.Patch
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		p := pick(body)
		if p.Empty() {
			writeError(w, r, apperr.New(apperr.Content, "missing field %q", field))
			return
		}
		updated, err := h.settingsManager.Apply(p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		logger.Info().Str("field", field).Msg("[Handler] Setting updated.")
		writeOK(w, updated)
	}
}

// --- JSON API ---

// HandleSettings 处理 GET/POST /api/settings。POST 接受部分更新。
func (h *Handler) HandleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeOK(w, h.settingsManager.Get())
	case http.MethodPost, http.MethodPatch:
		var p settings.Patch
		if err := decodeJSON(r, &p); err != nil {
			writeError(w, r, err)
			return
		}
		if p.Empty() {
			writeError(w, r, apperr.New(apperr.Content, "no setting to update"))
			return
		}
		updated, err := h.settingsManager.Apply(p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, updated)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleCore 处理 GET/POST /api/core。POST {"enable": bool} 启停内核，同步返回结果。
func (h *Handler) HandleCore(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeOK(w, h.controller.CoreStatus())
	case http.MethodPost:
		var req struct {
			Enable *bool `json:"enable"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Enable == nil {
			writeError(w, r, apperr.New(apperr.Content, "missing field \"enable\""))
			return
		}
		if err := h.controller.SetCoreEnabled(*req.Enable); err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, h.controller.CoreStatus())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeOK(w, struct {
		types.CoreStatus
		Detail string `json:"detail,omitempty"`
	}{h.controller.CoreStatus(), h.controller.RunningStatusDetail()})
}

// HandleSubs 处理 GET /api/subs 与 DELETE /api/subs?index=N
func (h *Handler) HandleSubs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		subs := h.controller.ListSubscriptions()
		if subs == nil {
			subs = []settings.Subscription{}
		}
		writeOK(w, subs)
	case http.MethodDelete:
		index, err := strconv.Atoi(r.URL.Query().Get("index"))
		if err != nil {
			writeError(w, r, apperr.New(apperr.Content, "invalid index %q", r.URL.Query().Get("index")))
			return
		}
		if err := h.controller.DeleteSubscription(index); err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, h.controller.ListSubscriptions())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleSelectSub 处理 POST /api/subs/current {"path": "..."}
func (h *Handler) HandleSelectSub(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.controller.SelectSubscription(req.Path); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, map[string]string{"current_sub": req.Path})
}

// HandleUpdateSubs 处理 POST /api/subs/update，在后台刷新全部订阅。
func (h *Handler) HandleUpdateSubs(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if err := h.controller.UpdateSubscriptions(); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(envelope{Success: true})
}

// HandleSubsStatus 处理 GET /api/subs/status
func (h *Handler) HandleSubsStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	st := h.controller.CoreStatus()
	writeOK(w, struct {
		Download      types.TaskStatus `json:"download"`
		Update        types.TaskStatus `json:"update"`
		DownloadError string           `json:"download_error,omitempty"`
		UpdateError   string           `json:"update_error,omitempty"`
	}{st.DownloadStatus, st.UpdateStatus, st.DownloadError, st.UpdateError})
}

// HandleDebugLog 处理 POST /api/debug_log，返回生成的文件路径。
func (h *Handler) HandleDebugLog(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost, http.MethodGet) {
		return
	}
	path, err := h.controller.WriteDebugReport()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, map[string]string{"path": path})
}

// 单字段接口的取值函数
func pickSkipProxy(p settings.Patch) settings.Patch { return settings.Patch{SkipProxy: p.SkipProxy} }
func pickOverrideDNS(p settings.Patch) settings.Patch {
	return settings.Patch{OverrideDNS: p.OverrideDNS}
}
func pickEnhancedMode(p settings.Patch) settings.Patch {
	return settings.Patch{EnhancedMode: p.EnhancedMode}
}
func pickAllowRemoteAccess(p settings.Patch) settings.Patch {
	return settings.Patch{AllowRemoteAccess: p.AllowRemoteAccess}
}
func pickDashboard(p settings.Patch) settings.Patch { return settings.Patch{Dashboard: p.Dashboard} }
