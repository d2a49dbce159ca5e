package entity

import "errors"

// 实体层的构造校验错误。它们是哨兵值, 供 errors.Is 判定; 携带错误码的
// 运行时错误分类走 pkg/errors 的 AppError 体系, 不在这里。
var (
	// Agent
	ErrInvalidAgentID   = errors.New("invalid agent id")
	ErrInvalidAgentName = errors.New("invalid agent name")

	// Skill
	ErrInvalidSkillID     = errors.New("invalid skill id")
	ErrInvalidSkillName   = errors.New("invalid skill name")
	ErrSkillAlreadyExists = errors.New("skill already exists")
	ErrSkillNotFound      = errors.New("skill not found")

	// Message / Conversation
	ErrInvalidMessageID      = errors.New("invalid message id")
	ErrInvalidConversationID = errors.New("invalid conversation id")
	ErrInvalidChannelID      = errors.New("invalid channel id")
)
