package telegram

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultSessionManager 内存版会话管理器 — SQLite 持久化版打不开数据库时
// 的回退实现, 只保存每个 chat 的当前模型选择。可用模型目录来自
// config.yaml 的 agent.models, 不在代码里硬编码。
type DefaultSessionManager struct {
	mu           sync.RWMutex
	sessions     map[int64]*ChatSession // chatID -> session
	models       []ModelInfo
	defaultModel string
}

// ChatSession 一个 chat 的会话状态
type ChatSession struct {
	ChatID       int64
	UserID       int64
	CurrentModel string
}

// NewDefaultSessionManager 创建内存会话管理器
func NewDefaultSessionManager(defaultModel string) *DefaultSessionManager {
	return &DefaultSessionManager{
		sessions:     make(map[int64]*ChatSession),
		defaultModel: defaultModel,
	}
}

// getOrCreateSession 获取或创建会话
func (m *DefaultSessionManager) getOrCreateSession(chatID int64) *ChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[chatID]
	if !exists {
		session = &ChatSession{
			ChatID:       chatID,
			CurrentModel: m.defaultModel,
		}
		m.sessions[chatID] = session
	}
	return session
}

// CreateSession 创建新会话, 重置该 chat 的所有状态
func (m *DefaultSessionManager) CreateSession(chatID int64, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[chatID] = &ChatSession{
		ChatID:       chatID,
		UserID:       userID,
		CurrentModel: m.defaultModel,
	}
	return nil
}

// ClearSession 清除会话历史, 保留模型选择
func (m *DefaultSessionManager) ClearSession(chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, exists := m.sessions[chatID]; exists {
		m.sessions[chatID] = &ChatSession{
			ChatID:       chatID,
			UserID:       session.UserID,
			CurrentModel: session.CurrentModel,
		}
	}
	return nil
}

// GetCurrentModel 获取当前模型
func (m *DefaultSessionManager) GetCurrentModel(chatID int64) string {
	return m.getOrCreateSession(chatID).CurrentModel
}

// SetModel 设置模型, 输入可以是完整 ID、别名或部分匹配
func (m *DefaultSessionManager) SetModel(chatID int64, model string) error {
	resolved := resolveModelName(m.GetAvailableModels(), model)
	if resolved == "" {
		return fmt.Errorf("未知模型: %s", model)
	}

	session := m.getOrCreateSession(chatID)
	m.mu.Lock()
	session.CurrentModel = resolved
	m.mu.Unlock()
	return nil
}

// GetAvailableModels 获取可用模型列表
func (m *DefaultSessionManager) GetAvailableModels() []ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ModelInfo, len(m.models))
	copy(result, m.models)
	return result
}

// SetAvailableModels 设置可用模型列表 (来自 config.yaml 的 agent.models)
func (m *DefaultSessionManager) SetAvailableModels(models []ModelInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = models
}

// resolveModelName 按完整 ID → 别名 (大小写不敏感) → 部分匹配的顺序解析
// 用户输入; 带 provider 前缀的未知 ID 原样放行, 让 Router 去判定。
func resolveModelName(models []ModelInfo, input string) string {
	for _, model := range models {
		if model.ID == input {
			return model.ID
		}
	}

	for _, model := range models {
		if strings.EqualFold(model.Alias, input) {
			return model.ID
		}
	}

	for _, model := range models {
		if strings.Contains(model.ID, input) {
			return model.ID
		}
	}

	if strings.Contains(input, "/") {
		return input
	}
	return ""
}
