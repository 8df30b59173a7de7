package types

// TaskStatus 是后台任务（下载、更新、内核启停）的进度。
// JSON 形式与前端约定一致。
type TaskStatus string

const (
	StatusNone        TaskStatus = "None"
	StatusDownloading TaskStatus = "Downloading"
	StatusLoading     TaskStatus = "Loading"
	StatusSuccess     TaskStatus = "Success"
	StatusFailed      TaskStatus = "Failed"
)

// Busy 表示任务仍在进行中。
func (s TaskStatus) Busy() bool {
	return s == StatusDownloading || s == StatusLoading
}

// CoreState 是内核进程的生命周期状态
type CoreState string

const (
	CoreStopped CoreState = "stopped"
	CoreRunning CoreState = "running"
)
