package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 入站缓冲参数
const (
	// 长文本分片重组: Telegram 会把 >4096 字符的粘贴拆成多条
	fragmentStartThreshold = 4000  // 达到该长度的消息视为潜在分片开头
	fragmentMaxGap         = 1500 * time.Millisecond
	fragmentMaxIDGap       = 1     // 分片之间允许的 message_id 间隔
	fragmentMaxParts       = 12    // 最多重组的分片数
	fragmentMaxTotalChars  = 50000 // 重组后的总字符上限

	// Debounce: 连续短消息合并成一条再进入 Deliver
	debounceWindow = 1500 * time.Millisecond

	// 相册: 按 media_group_id 聚合
	mediaGroupWindow = 500 * time.Millisecond
)

// InboundHandler is called when a buffered message is ready
type InboundHandler func(ctx context.Context, msg *IncomingMessage)

// InboundBuffer 把密集到达的 Telegram 消息合并后再交给 MessageHandler,
// 这样 Deliver 的 Signal pipeline 对"一次表达"只分类一次, 而不是对每个
// 碎片各跑一遍。三种聚合场景共用同一个 mergeBuffer:
//  1. 长文本分片 — Telegram 拆分的粘贴重组回原文
//  2. debounce — 连发的短消息按窗口合并
//  3. 相册 — 同 media_group_id 的多媒体聚成一条 MediaGroup 消息
type InboundBuffer struct {
	fragments   *mergeBuffer
	debounce    *mergeBuffer
	mediaGroups *mergeBuffer
	handler     InboundHandler
	logger      *zap.Logger
}

// NewInboundBuffer creates a new inbound buffer
func NewInboundBuffer(handler InboundHandler, logger *zap.Logger) *InboundBuffer {
	b := &InboundBuffer{handler: handler, logger: logger}
	b.fragments = newMergeBuffer(fragmentMaxGap, b.flushFragments)
	b.debounce = newMergeBuffer(debounceWindow, b.flushDebounced)
	b.mediaGroups = newMergeBuffer(mediaGroupWindow, b.flushMediaGroup)
	return b
}

// Submit routes an incoming message into the right aggregation, or straight
// through when no aggregation applies (commands, media without group, empty
// text).
func (b *InboundBuffer) Submit(ctx context.Context, msg *IncomingMessage, mediaGroupID string) {
	if mediaGroupID != "" {
		b.mediaGroups.add(mediaGroupID, ctx, msg, nil)
		return
	}

	if isCommand(msg.Text) {
		b.handler(ctx, msg)
		return
	}

	// 已有分片序列时, 只有紧邻的 message_id 且间隔够近的消息才续上;
	// 断档则立刻冲洗旧序列, 当前消息走常规路径。
	key := chatUserKey(msg)
	if appended := b.fragments.addIf(key, ctx, msg, func(last *IncomingMessage, lastAt time.Time, count, chars int) bool {
		idGap := msg.MessageID - last.MessageID
		return idGap > 0 && idGap <= fragmentMaxIDGap &&
			time.Since(lastAt) <= fragmentMaxGap &&
			count < fragmentMaxParts &&
			chars+len(msg.Text) <= fragmentMaxTotalChars
	}); appended {
		return
	}

	if len(msg.Text) >= fragmentStartThreshold && msg.Media == nil {
		b.fragments.add(key, ctx, msg, nil)
		return
	}

	if msg.Media != nil || strings.TrimSpace(msg.Text) == "" {
		b.handler(ctx, msg)
		return
	}

	b.debounce.add(key, ctx, msg, nil)
}

func isCommand(text string) bool {
	return len(text) > 0 && text[0] == '/'
}

func chatUserKey(msg *IncomingMessage) string {
	return fmt.Sprintf("%d:%d", msg.ChatID, msg.UserID)
}

// --- flush 策略 ---

// flushFragments 把分片拼回原文 (无分隔符 — 它们本来是一条消息)。
func (b *InboundBuffer) flushFragments(ctx context.Context, msgs []*IncomingMessage) {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Text)
	}
	merged := mergeHeader(msgs)
	merged.Text = sb.String()

	b.logger.Info("Text fragments reassembled",
		zap.Int64("chat_id", merged.ChatID),
		zap.Int("parts", len(msgs)),
		zap.Int("total_chars", len(merged.Text)),
	)
	b.handler(ctx, merged)
}

// flushDebounced 把短消息按行合并; 单条直接透传。
func (b *InboundBuffer) flushDebounced(ctx context.Context, msgs []*IncomingMessage) {
	if len(msgs) == 1 {
		b.handler(ctx, msgs[0])
		return
	}

	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Text != "" {
			parts = append(parts, m.Text)
		}
	}
	merged := mergeHeader(msgs)
	merged.Text = strings.Join(parts, "\n")

	b.logger.Info("Debounced messages merged",
		zap.Int64("chat_id", merged.ChatID),
		zap.Int("count", len(msgs)),
	)
	b.handler(ctx, merged)
}

// flushMediaGroup 以带 caption 的那条为主消息, 其余附件收进 MediaGroup。
func (b *InboundBuffer) flushMediaGroup(ctx context.Context, msgs []*IncomingMessage) {
	primary := msgs[0]
	for _, m := range msgs {
		if m.Text != "" {
			primary = m
			break
		}
	}

	var mediaGroup []MediaInfo
	for _, m := range msgs {
		if m.Media != nil {
			mediaGroup = append(mediaGroup, *m.Media)
		}
	}

	merged := *primary
	merged.MediaGroup = mediaGroup

	b.logger.Info("Media group merged",
		zap.Int64("chat_id", merged.ChatID),
		zap.Int("items", len(msgs)),
	)
	b.handler(ctx, &merged)
}

// mergeHeader 取首条消息的身份字段、末条的 message_id 作为合并消息的骨架。
func mergeHeader(msgs []*IncomingMessage) *IncomingMessage {
	first, last := msgs[0], msgs[len(msgs)-1]
	return &IncomingMessage{
		MessageID:      last.MessageID,
		ChatID:         first.ChatID,
		UserID:         first.UserID,
		Username:       first.Username,
		Timestamp:      first.Timestamp,
		ReplyToMessage: first.ReplyToMessage,
	}
}

// --- mergeBuffer: 按 key 聚合 + 窗口定时冲洗 ---

// flushFunc receives the buffered messages for one key in message-id order.
type flushFunc func(ctx context.Context, msgs []*IncomingMessage)

type mergeBuffer struct {
	mu      sync.Mutex
	window  time.Duration
	flush   flushFunc
	entries map[string]*mergeEntry
}

type mergeEntry struct {
	ctx    context.Context
	msgs   []*IncomingMessage
	lastAt time.Time
	chars  int
	timer  *time.Timer
}

func newMergeBuffer(window time.Duration, flush flushFunc) *mergeBuffer {
	return &mergeBuffer{
		window:  window,
		flush:   flush,
		entries: make(map[string]*mergeEntry),
	}
}

// add appends msg to key's entry (creating it on first use) and re-arms the
// flush timer. canGrow, when non-nil, gates appends to an existing entry —
// a rejected append flushes the old entry first and starts fresh.
func (mb *mergeBuffer) add(key string, ctx context.Context, msg *IncomingMessage, canGrow func(last *IncomingMessage, lastAt time.Time, count, chars int) bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.addLocked(key, ctx, msg, canGrow)
}

// addIf appends only when an entry already exists and canGrow admits the
// message; it reports whether the message was consumed. A rejected append
// flushes the stale entry so the caller can re-route msg.
func (mb *mergeBuffer) addIf(key string, ctx context.Context, msg *IncomingMessage, canGrow func(last *IncomingMessage, lastAt time.Time, count, chars int) bool) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	entry, ok := mb.entries[key]
	if !ok {
		return false
	}
	last := entry.msgs[len(entry.msgs)-1]
	if canGrow != nil && !canGrow(last, entry.lastAt, len(entry.msgs), entry.chars) {
		entry.timer.Stop()
		delete(mb.entries, key)
		mb.flushLocked(entry)
		return false
	}
	entry.msgs = append(entry.msgs, msg)
	entry.chars += len(msg.Text)
	entry.lastAt = time.Now()
	entry.timer.Reset(mb.window)
	return true
}

func (mb *mergeBuffer) addLocked(key string, ctx context.Context, msg *IncomingMessage, canGrow func(last *IncomingMessage, lastAt time.Time, count, chars int) bool) {
	entry, ok := mb.entries[key]
	if ok {
		last := entry.msgs[len(entry.msgs)-1]
		if canGrow == nil || canGrow(last, entry.lastAt, len(entry.msgs), entry.chars) {
			entry.msgs = append(entry.msgs, msg)
			entry.chars += len(msg.Text)
			entry.lastAt = time.Now()
			entry.timer.Reset(mb.window)
			return
		}
		entry.timer.Stop()
		delete(mb.entries, key)
		mb.flushLocked(entry)
	}

	entry = &mergeEntry{
		ctx:    ctx,
		msgs:   []*IncomingMessage{msg},
		lastAt: time.Now(),
		chars:  len(msg.Text),
	}
	entry.timer = time.AfterFunc(mb.window, func() {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		if e, ok := mb.entries[key]; ok {
			delete(mb.entries, key)
			mb.flushLocked(e)
		}
	})
	mb.entries[key] = entry
}

// flushLocked hands the entry's messages to the flush callback in
// message-id order, off the lock-holding goroutine.
func (mb *mergeBuffer) flushLocked(entry *mergeEntry) {
	msgs := entry.msgs
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].MessageID < msgs[j].MessageID })
	go mb.flush(entry.ctx, msgs)
}
