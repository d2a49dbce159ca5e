package telegram

import (
	"fmt"
	"os"
	"path/filepath"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// SendPhoto 发送本地图片文件。send_photo 工具通过 MediaSender 接口调到这里,
// 这是 agent 把生成的图表/截图送回会话的出站通道。
func (a *Adapter) SendPhoto(chatID int64, photoPath string, caption string) error {
	if _, err := os.Stat(photoPath); err != nil {
		return fmt.Errorf("photo not found: %s", photoPath)
	}

	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(photoPath))
	if caption != "" {
		photo.Caption = caption
	}

	if _, err := a.bot.Send(photo); err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	return nil
}

// SendDocument 发送本地文件作为文档附件 (send_document 工具的出站通道)。
func (a *Adapter) SendDocument(chatID int64, docPath string, caption string) error {
	if _, err := os.Stat(docPath); err != nil {
		return fmt.Errorf("document not found: %s", docPath)
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(docPath))
	if caption == "" {
		caption = filepath.Base(docPath)
	}
	doc.Caption = caption

	if _, err := a.bot.Send(doc); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}
