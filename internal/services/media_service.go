package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-chat/internal/models"

	"github.com/google/uuid"
)

// MediaService 把上传的文件落到本地盘并返回 (URL, 粗粒度类型)。
// 类型只看 MIME 前缀：image/* → image，video/* → video，其余拒绝。
// 每次成功上传在 MySQL media_uploads 留痕。
type MediaService struct {
	DB      *sql.DB
	BaseDir string
	BaseURL string
	MaxSize int64
}

func NewMediaService(db *sql.DB, baseDir, baseURL string, maxSize int64) *MediaService {
	return &MediaService{DB: db, BaseDir: baseDir, BaseURL: strings.TrimSuffix(baseURL, "/"), MaxSize: maxSize}
}

// KindFromMime 由 MIME 类型推断内容类型。
func KindFromMime(mimeType string) (models.ContentType, error) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.ContentTypeImage, nil
	case strings.HasPrefix(mimeType, "video/"):
		return models.ContentTypeVideo, nil
	default:
		return "", ErrUnsupportedMedia
	}
}

// Save 校验、落盘并留痕，返回供消息/动态引用的 MediaRef。
func (s *MediaService) Save(ctx context.Context, userID string, fh *multipart.FileHeader) (*MediaRef, error) {
	if s.MaxSize > 0 && fh.Size > s.MaxSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, s.MaxSize)
	}
	mimeType := fh.Header.Get("Content-Type")
	kind, err := KindFromMime(mimeType)
	if err != nil {
		return nil, err
	}

	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	id := uuid.NewString()
	name := id + filepath.Ext(fh.Filename)
	dir := filepath.Join(s.BaseDir, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	storePath := filepath.Join(dir, name)
	dst, err := os.Create(storePath)
	if err != nil {
		return nil, err
	}
	written, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(storePath)
		return nil, err
	}

	url := s.BaseURL + "/" + userID + "/" + name
	if s.DB != nil {
		_, err := s.DB.ExecContext(ctx, `INSERT INTO media_uploads(id, user_id, file_name, file_size, mime_type, store_path, url, kind, created_at) VALUES(?,?,?,?,?,?,?,?,?)`,
			id, userID, fh.Filename, written, mimeType, storePath, url, string(kind), time.Now())
		if err != nil {
			log.Printf("Media.Save record error: id=%s err=%v", id, err)
		}
	}
	log.Printf("Media.Save: id=%s user=%s kind=%s size=%d", id, userID, kind, written)
	return &MediaRef{URL: url, Kind: kind}, nil
}
