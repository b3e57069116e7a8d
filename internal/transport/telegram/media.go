package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
)

const (
	// mediaMaxBytes is the max download size (20MB, Telegram Bot API limit).
	mediaMaxBytes int64 = 20 * 1024 * 1024

	// downloadMaxRetries is the number of getFile retry attempts.
	downloadMaxRetries = 3

	// photoMaxDimensionSum and photoMaxFileBytes bound outbound photos;
	// Telegram rejects uploads with width+height over 10000 or over 10MB.
	photoMaxDimensionSum = 10000
	photoMaxFileBytes    = 10 * 1024 * 1024
)

// DownloadPhoto fetches the highest-resolution variant of an attached photo
// and returns its local path. Empty path when the message has no photo.
func (t *chatTransport) DownloadPhoto(ctx context.Context) (string, error) {
	if t.incoming == nil || len(t.incoming.Photo) == 0 {
		return "", nil
	}
	photo := t.incoming.Photo[len(t.incoming.Photo)-1]
	return t.bot.downloadFile(ctx, photo.FileID)
}

// DownloadDocument fetches an attached document and returns its local path
// and original filename.
func (t *chatTransport) DownloadDocument(ctx context.Context) (string, string, error) {
	if t.incoming == nil || t.incoming.Document == nil {
		return "", "", nil
	}
	doc := t.incoming.Document
	path, err := t.bot.downloadFile(ctx, doc.FileID)
	if err != nil {
		return "", "", err
	}
	name := doc.FileName
	if name == "" {
		name = filepath.Base(path)
	}
	return path, name, nil
}

// DownloadVoice fetches an attached voice note and returns its local path.
func (t *chatTransport) DownloadVoice(ctx context.Context) (string, error) {
	if t.incoming == nil || t.incoming.Voice == nil {
		return "", nil
	}
	return t.bot.downloadFile(ctx, t.incoming.Voice.FileID)
}

// downloadFile downloads a file from Telegram by file_id with retry logic.
// Returns the local file path.
func (b *Bot) downloadFile(ctx context.Context, fileID string) (string, error) {
	var file *telego.File
	var err error

	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = b.api.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			b.logger.Debug("retrying file download", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}

	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > mediaMaxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, mediaMaxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.cfg.TelegramToken(), file.FilePath)

	resp, err := http.Get(downloadURL)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}

	tmpFile, err := os.CreateTemp("", "megobari_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()

	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > mediaMaxBytes {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}

	return tmpFile.Name(), nil
}

// preparePhoto downscales an outbound image when Telegram would reject it.
// Returns the path to send and an optional cleanup for the temp file.
func preparePhoto(path string) (string, func(), error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", nil, fmt.Errorf("stat photo: %w", err)
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", nil, fmt.Errorf("open image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx()+bounds.Dy() <= photoMaxDimensionSum && info.Size() <= photoMaxFileBytes {
		return path, nil, nil
	}

	resized := imaging.Fit(img, 2560, 2560, imaging.Lanczos)

	tmpFile, err := os.CreateTemp("", "megobari_photo_*.jpg")
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	if err := imaging.Save(resized, tmpPath, imaging.JPEGQuality(85)); err != nil {
		os.Remove(tmpPath)
		return "", nil, fmt.Errorf("save resized image: %w", err)
	}

	return tmpPath, func() { os.Remove(tmpPath) }, nil
}
