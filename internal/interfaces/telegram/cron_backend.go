package telegram

// CronJobInfo 是 /cron list 展示用的任务摘要
type CronJobInfo struct {
	ID       string
	CronExpr string
	Command  string
}

// CronBackend 把 /cron 命令桥接到网关统一的调度器 (scheduler.Store),
// 而不是在 Telegram 适配器里再维护一份独立的定时任务表。chatID 用于
// 把任务绑定到发起它的会话, 任务触发时的输出回到同一个对话。
type CronBackend interface {
	List(chatID int64) []CronJobInfo
	Schedule(chatID int64, cronExpr, command string) (string, error)
	Cancel(id string) error
}
