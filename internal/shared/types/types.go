package types

// StatusBroadcaster 由 web.Hub 实现，让业务层在状态变化时通知前端，
// 而不必依赖 web 包。
type StatusBroadcaster interface {
	BroadcastStatusUpdate()
}

// CoreStatus 汇总内核当前状态，供 /api/status 与 websocket 推送使用。
type CoreStatus struct {
	State          CoreState  `json:"state"`
	RunningStatus  TaskStatus `json:"running_status"`
	DownloadStatus TaskStatus `json:"download_status"`
	UpdateStatus   TaskStatus `json:"update_status"`
	DownloadError  string     `json:"download_error,omitempty"`
	UpdateError    string     `json:"update_error,omitempty"`
	Profile        string     `json:"profile"`
	Healthy        bool       `json:"healthy"`
	Version        string     `json:"version,omitempty"`
	LatencyMs      int64      `json:"latency_ms"`
}
