package telegram

import (
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// MediaType 附件类型
type MediaType string

const (
	MediaTypePhoto    MediaType = "photo"
	MediaTypeVoice    MediaType = "voice"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeVideo    MediaType = "video"
	MediaTypeDocument MediaType = "document"
)

// maxMediaDownload 限制单个附件的下载大小, 避免一条超大文件消息耗尽内存。
const maxMediaDownload = 20 * 1024 * 1024

// MediaInfo 入站消息的附件元数据; 附件本体由 DownloadFile 按需拉取。
type MediaInfo struct {
	Type     MediaType
	FileID   string
	MimeType string
	FileName string
	FileSize int
	Caption  string
}

// ExtractMedia 从 Telegram 消息中提取附件元数据, 无附件返回 nil。
// 图片取分辨率最高的一档; caption 保留给调用方, 无正文的图片消息用它当文本。
func ExtractMedia(msg *tgbotapi.Message) *MediaInfo {
	if msg == nil {
		return nil
	}

	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		return &MediaInfo{
			Type:     MediaTypePhoto,
			FileID:   largest.FileID,
			MimeType: "image/jpeg",
			FileSize: largest.FileSize,
			Caption:  msg.Caption,
		}
	}

	if msg.Voice != nil {
		return &MediaInfo{
			Type:     MediaTypeVoice,
			FileID:   msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
			FileSize: msg.Voice.FileSize,
			Caption:  msg.Caption,
		}
	}

	if msg.Audio != nil {
		mime := msg.Audio.MimeType
		if mime == "" {
			mime = "audio/mpeg"
		}
		return &MediaInfo{
			Type:     MediaTypeAudio,
			FileID:   msg.Audio.FileID,
			MimeType: mime,
			FileName: msg.Audio.Title,
			FileSize: msg.Audio.FileSize,
			Caption:  msg.Caption,
		}
	}

	if msg.Video != nil {
		mime := msg.Video.MimeType
		if mime == "" {
			mime = "video/mp4"
		}
		return &MediaInfo{
			Type:     MediaTypeVideo,
			FileID:   msg.Video.FileID,
			MimeType: mime,
			FileSize: msg.Video.FileSize,
			Caption:  msg.Caption,
		}
	}

	if msg.Document != nil {
		return &MediaInfo{
			Type:     MediaTypeDocument,
			FileID:   msg.Document.FileID,
			MimeType: msg.Document.MimeType,
			FileName: msg.Document.FileName,
			FileSize: msg.Document.FileSize,
			Caption:  msg.Caption,
		}
	}

	return nil
}

// DownloadFile 按 file ID 下载附件本体, 超过 maxMediaDownload 截止。
func DownloadFile(bot *tgbotapi.BotAPI, fileID string, logger *zap.Logger) ([]byte, error) {
	file, err := bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}

	fileURL := file.Link(bot.Token)
	logger.Debug("Downloading Telegram file",
		zap.String("file_id", fileID),
		zap.String("url_path", file.FilePath),
	)

	resp, err := http.Get(fileURL)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaDownload+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxMediaDownload {
		return nil, fmt.Errorf("file %s exceeds the %d byte download cap", fileID, maxMediaDownload)
	}

	logger.Info("Downloaded Telegram file",
		zap.String("file_id", fileID),
		zap.Int("size_bytes", len(data)),
	)

	return data, nil
}
