package studio

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/disintegration/imaging"
	"gorm.io/gorm"

	"chibistudio_back/assetstore"
)

const (
	uploadLogPrefix  = "all_uploads"
	uploadLogMaxEdge = 1024
	uploadLogQuality = 80
)

// uploadLogger mirrors every image that passes through the studio into the
// asset store as a recompressed JPEG and records an audit row. Everything in
// here is best-effort; callers fire and forget.
type uploadLogger struct {
	db     *gorm.DB
	assets assetstore.Store
}

func newUploadLogger(db *gorm.DB, assets assetstore.Store) *uploadLogger {
	return &uploadLogger{db: db, assets: assets}
}

// Log stores the image under all_uploads/{source}/{timestamp}.jpg and writes
// the audit row. Failures are logged and swallowed.
func (l *uploadLogger) Log(ctx context.Context, source string, data []byte) {
	if l == nil || l.assets == nil || len(data) == 0 {
		return
	}

	compressed, err := compressForLog(data)
	if err != nil {
		log.Printf("studio: upload log compression failed: %v", err)
		return
	}

	objectPath := fmt.Sprintf("%s/%s/%d.jpg", uploadLogPrefix, source, time.Now().UnixMilli())
	url, err := l.assets.Upload(ctx, objectPath, compressed, "image/jpeg")
	if err != nil {
		log.Printf("studio: upload log write failed: %v", err)
		return
	}

	if l.db != nil {
		entry := UploadLogEntry{Source: source, ObjectPath: objectPath, URL: url}
		if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
			log.Printf("studio: upload log audit row failed: %v", err)
		}
	}
}

// compressForLog re-encodes an image as a bounded JPEG. The log exists for
// audits, not pixel-perfect archival, so large images are scaled down.
func compressForLog(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > uploadLogMaxEdge || bounds.Dy() > uploadLogMaxEdge {
		img = imaging.Fit(img, uploadLogMaxEdge, uploadLogMaxEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(uploadLogQuality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
