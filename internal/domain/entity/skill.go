package entity

import "time"

// SkillSource identifies where a Skill's definition came from: a built-in
// registered at boot, or a SKILL.md file discovered on disk by the Tool
// Registry's skill-dir scan.
type SkillSource string

const (
	SkillSourceBuiltin    SkillSource = "builtin"
	SkillSourceDiscovered SkillSource = "discovered"
)

// Skill 技能实体
type Skill struct {
	id          string
	name        string
	description string
	enabled     bool
	source      SkillSource
	toolNames   []string
	config      map[string]interface{}
	createdAt   time.Time
	updatedAt   time.Time
}

// NewSkill 创建新技能
func NewSkill(id, name, description string) (*Skill, error) {
	if id == "" {
		return nil, ErrInvalidSkillID
	}
	if name == "" {
		return nil, ErrInvalidSkillName
	}

	now := time.Now()
	return &Skill{
		id:          id,
		name:        name,
		description: description,
		enabled:     true,
		source:      SkillSourceBuiltin,
		config:      make(map[string]interface{}),
		createdAt:   now,
		updatedAt:   now,
	}, nil
}

// NewDiscoveredSkill creates a Skill sourced from a SKILL.md file found during
// the Tool Registry's skill-dir scan, registering the tool names it
// contributes to the map-name-to-ToolSpec snapshot.
func NewDiscoveredSkill(id, name, description string, toolNames []string) (*Skill, error) {
	s, err := NewSkill(id, name, description)
	if err != nil {
		return nil, err
	}
	s.source = SkillSourceDiscovered
	s.toolNames = toolNames
	return s, nil
}

// Source reports whether this skill was built in or discovered from a
// SKILL.md file.
func (s *Skill) Source() SkillSource {
	return s.source
}

// ToolNames returns the tool names this skill contributes to the registry.
func (s *Skill) ToolNames() []string {
	return s.toolNames
}

// UpdatedAt returns the last time the skill's enabled state or config changed.
func (s *Skill) UpdatedAt() time.Time {
	return s.updatedAt
}

// ID 返回技能ID
func (s *Skill) ID() string {
	return s.id
}

// Name 返回技能名称
func (s *Skill) Name() string {
	return s.name
}

// Description 返回技能描述
func (s *Skill) Description() string {
	return s.description
}

// IsEnabled 判断技能是否启用
func (s *Skill) IsEnabled() bool {
	return s.enabled
}

// Enable 启用技能
func (s *Skill) Enable() {
	s.enabled = true
	s.updatedAt = time.Now()
}

// Disable 禁用技能
func (s *Skill) Disable() {
	s.enabled = false
	s.updatedAt = time.Now()
}

// SetConfig 设置配置
func (s *Skill) SetConfig(key string, value interface{}) {
	s.config[key] = value
	s.updatedAt = time.Now()
}

// GetConfig 获取配置
func (s *Skill) GetConfig(key string) (interface{}, bool) {
	val, ok := s.config[key]
	return val, ok
}
