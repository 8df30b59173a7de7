package web

import (
	"encoding/json"
	"net/http"

	"tomoon_nexus/internal/shared/apperr"
	"tomoon_nexus/internal/shared/logger"
)

// envelope 是所有 JSON 响应的外层结构。
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// writeError 根据错误分类选择状态码。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	logger.Warn().Err(err).Str("path", r.URL.Path).Int("status", status).Str("kind", kind.String()).Msg("[Handler] Request failed.")
	writeJSON(w, status, envelope{Success: false, Error: err.Error(), Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// allowMethods 在方法不匹配时写入 405 并返回 false。
func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}
