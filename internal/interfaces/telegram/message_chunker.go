package telegram

import "strings"

// TelegramMessageLimit Telegram 单条消息长度上限
const TelegramMessageLimit = 4096

// ChunkMessage 把超长纯文本按边界优先级拆成多条消息。
func ChunkMessage(text string) []string {
	if len(text) <= TelegramMessageLimit {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > 0 {
		if len(remaining) <= TelegramMessageLimit {
			chunks = append(chunks, remaining)
			break
		}

		splitIndex := findSplitPoint(remaining, TelegramMessageLimit)
		if splitIndex <= 0 {
			splitIndex = TelegramMessageLimit
		}

		chunks = append(chunks, remaining[:splitIndex])
		remaining = strings.TrimLeft(remaining[splitIndex:], " \t\n\r")
	}

	return chunks
}

// findSplitPoint 寻找分割点
// 优先级: 双换行 > 单换行 > 句号 > 空格 > 强制截断
func findSplitPoint(text string, maxLen int) int {
	if maxLen > len(text) {
		maxLen = len(text)
	}
	window := text[:maxLen]

	// 1. 段落边界
	if idx := strings.LastIndex(window, "\n\n"); idx >= maxLen/2 {
		return idx
	}

	// 2. 行边界
	if idx := strings.LastIndex(window, "\n"); idx >= maxLen/2 {
		return idx
	}

	// 3. 句子边界 (包含标点)
	idx := -1
	for _, sep := range []string{". ", "。", "！", "？"} {
		if i := strings.LastIndex(window, sep); i > idx {
			idx = i
		}
	}
	if idx >= maxLen/2 {
		return idx + 1
	}

	// 4. 词边界
	if idx := strings.LastIndex(window, " "); idx >= maxLen/3 {
		return idx
	}

	// 5. 强制截断
	return maxLen
}

// ChunkMarkdown 分块 Markdown 文本, 尽量不把代码块劈成两半:
// 分割点落在代码块内时, 要么把整个块推到下一条, 要么允许小幅超限把块
// 留完整; 实在截断了就补一个闭合围栏, 保证每条消息的围栏自洽。
func ChunkMarkdown(text string) []string {
	if len(text) <= TelegramMessageLimit {
		return []string{text}
	}

	blocks := codeBlockSpans(text)

	var chunks []string
	remaining := text
	offset := 0

	for len(remaining) > 0 {
		if len(remaining) <= TelegramMessageLimit {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := TelegramMessageLimit

		// 分割点落在代码块里?
		absPos := offset + splitAt
		for _, blk := range blocks {
			if absPos > blk.start && absPos < blk.end {
				if blk.start-offset > TelegramMessageLimit/3 {
					// 代码块整体推到下一条
					splitAt = blk.start - offset
				} else if blk.end-offset <= TelegramMessageLimit*2 {
					// 小幅超限, 保住完整代码块
					splitAt = blk.end - offset
				}
				break
			}
		}

		// 常规边界微调
		if splitAt >= TelegramMessageLimit {
			splitAt = findSplitPoint(remaining, TelegramMessageLimit)
			if splitAt <= 0 {
				splitAt = TelegramMessageLimit
			}
		}

		chunk := remaining[:splitAt]
		chunks = append(chunks, closeDanglingFence(chunk))
		remaining = strings.TrimLeft(remaining[splitAt:], " \t\n\r")
		offset += splitAt
	}

	return chunks
}

// span 是一个代码块在原文中的 [start, end) 区间
type span struct{ start, end int }

// codeBlockSpans 扫描 ``` 围栏, 未闭合的块延伸到文末。
func codeBlockSpans(text string) []span {
	var blocks []span
	pos := 0
	for {
		start := strings.Index(text[pos:], "```")
		if start < 0 {
			break
		}
		start += pos
		closing := strings.Index(text[start+3:], "```")
		if closing < 0 {
			blocks = append(blocks, span{start, len(text)})
			break
		}
		end := start + 3 + closing + 3
		blocks = append(blocks, span{start, end})
		pos = end
	}
	return blocks
}

// closeDanglingFence 截断处代码块未闭合时补一个闭合围栏。
func closeDanglingFence(chunk string) string {
	if strings.Count(chunk, "```")%2 == 1 {
		return chunk + "\n```"
	}
	return chunk
}

// SendChunkedMessage 发送分块消息
func (a *Adapter) SendChunkedMessage(chatID int64, text string, parseMode string) error {
	for _, chunk := range ChunkMessage(text) {
		msg := &OutgoingMessage{
			ChatID:    chatID,
			Text:      chunk,
			ParseMode: parseMode,
		}
		if err := a.SendMessage(msg); err != nil {
			return err
		}
	}
	return nil
}
