package telegram

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// PersistentSessionManager 把每个 chat 的会话设置 (目前是模型选择) 存进
// ~/.osa/telegram_sessions.db, 网关重启后 /models 的切换仍然生效。
// 定时任务不在这里 — /cron 直通调度器的 CRONS.json 任务表。
type PersistentSessionManager struct {
	db           *sql.DB
	cache        map[int64]*ChatSession // 内存缓存, miss 时落库查询
	models       []ModelInfo
	defaultModel string
	mu           sync.RWMutex
}

// NewPersistentSessionManager 打开 (或创建) 会话数据库
func NewPersistentSessionManager(dbPath string, defaultModel string) (*PersistentSessionManager, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	manager := &PersistentSessionManager{
		db:           db,
		cache:        make(map[int64]*ChatSession),
		defaultModel: defaultModel,
	}

	if err := manager.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return manager, nil
}

// initSchema 初始化数据库表结构
func (m *PersistentSessionManager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		chat_id INTEGER PRIMARY KEY,
		user_id INTEGER,
		current_model TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := m.db.Exec(schema)
	return err
}

// getOrCreateSession 获取或创建会话
func (m *PersistentSessionManager) getOrCreateSession(chatID int64) *ChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, exists := m.cache[chatID]; exists {
		return session
	}

	session := &ChatSession{
		ChatID:       chatID,
		CurrentModel: m.defaultModel,
	}

	row := m.db.QueryRow(`
		SELECT user_id, current_model
		FROM sessions WHERE chat_id = ?`, chatID)

	var model string
	if err := row.Scan(&session.UserID, &model); err == nil && model != "" {
		session.CurrentModel = model
	}
	// sql.ErrNoRows 或读错误都退回默认值 — 会话设置丢了不算故障

	m.cache[chatID] = session
	return session
}

// saveSession 保存会话到数据库
func (m *PersistentSessionManager) saveSession(session *ChatSession) error {
	_, err := m.db.Exec(`
		INSERT INTO sessions (chat_id, user_id, current_model, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(chat_id) DO UPDATE SET
			user_id = excluded.user_id,
			current_model = excluded.current_model,
			updated_at = CURRENT_TIMESTAMP`,
		session.ChatID, session.UserID, session.CurrentModel)

	return err
}

// CreateSession 创建新会话
func (m *PersistentSessionManager) CreateSession(chatID int64, userID int64) error {
	m.mu.Lock()
	session := &ChatSession{
		ChatID:       chatID,
		UserID:       userID,
		CurrentModel: m.defaultModel,
	}
	m.cache[chatID] = session
	m.mu.Unlock()

	return m.saveSession(session)
}

// ClearSession 清除会话历史 (对话历史在 HistoryClearer 那边, 这里只留设置)
func (m *PersistentSessionManager) ClearSession(chatID int64) error {
	return m.saveSession(m.getOrCreateSession(chatID))
}

// GetCurrentModel 获取当前模型
func (m *PersistentSessionManager) GetCurrentModel(chatID int64) string {
	return m.getOrCreateSession(chatID).CurrentModel
}

// SetModel 设置模型并落库
func (m *PersistentSessionManager) SetModel(chatID int64, model string) error {
	resolved := resolveModelName(m.GetAvailableModels(), model)
	if resolved == "" {
		return fmt.Errorf("未知模型: %s", model)
	}

	session := m.getOrCreateSession(chatID)
	m.mu.Lock()
	session.CurrentModel = resolved
	m.mu.Unlock()
	return m.saveSession(session)
}

// GetAvailableModels 获取可用模型列表
func (m *PersistentSessionManager) GetAvailableModels() []ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ModelInfo, len(m.models))
	copy(result, m.models)
	return result
}

// SetAvailableModels 设置可用模型列表 (来自 config.yaml 的 agent.models)
func (m *PersistentSessionManager) SetAvailableModels(models []ModelInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = models
}

// Close 关闭数据库连接
func (m *PersistentSessionManager) Close() error {
	return m.db.Close()
}
