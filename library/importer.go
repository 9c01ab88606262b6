package library

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	rardecode "github.com/nwaples/rardecode/v2"
)

const (
	maxArchiveBytes    int64 = 100 * 1024 * 1024
	maxImportImageSize int64 = 10 * 1024 * 1024
	maxImportEntries         = 200

	archiveFormatZip = "zip"
	archiveFormatRar = "rar"
)

type importResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Failed   []string `json:"failed,omitempty"`
}

// handleImport bulk-imports every image inside an uploaded .zip or .rar
// archive as a new expression, named after its file name. Per-file failures
// are tolerated and reported, matching the per-item tolerance of the other
// whole-collection operation.
func (m *Module) handleImport(c *gin.Context) {
	store, ok := m.storeFromRequest(c)
	if !ok {
		return
	}

	archive, err := c.FormFile("archive")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "archive file is required"})
		return
	}

	result, err := importArchive(c.Request.Context(), store, archive)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func importArchive(ctx context.Context, store *Store, fileHeader *multipart.FileHeader) (*importResult, error) {
	if fileHeader.Size > 0 && fileHeader.Size > maxArchiveBytes {
		return nil, fmt.Errorf("library: archive size exceeds %d bytes", maxArchiveBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("library: open archive: %w", err)
	}
	defer src.Close()

	tmpFile, err := os.CreateTemp("", "library-import-*")
	if err != nil {
		return nil, fmt.Errorf("library: create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	written, err := io.Copy(tmpFile, io.LimitReader(src, maxArchiveBytes+1))
	if err != nil {
		return nil, fmt.Errorf("library: copy archive: %w", err)
	}
	if written > maxArchiveBytes {
		return nil, fmt.Errorf("library: archive size exceeds %d bytes", maxArchiveBytes)
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("library: rewind temp file: %w", err)
	}
	format, err := detectArchiveFormat(tmpFile, fileHeader.Filename)
	if err != nil {
		return nil, err
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("library: rewind temp file: %w", err)
	}

	result := &importResult{}
	addEntry := func(relPath string, data []byte) {
		if result.Imported+result.Skipped >= maxImportEntries {
			result.Skipped++
			return
		}
		mimeType := imageMimeType(relPath)
		if mimeType == "" {
			result.Skipped++
			return
		}
		if int64(len(data)) > maxImportImageSize {
			result.Skipped++
			return
		}

		name := strings.TrimSuffix(path.Base(relPath), path.Ext(relPath))
		dataURI := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
		if _, err := store.Add(ctx, Expression{Name: name, Image: dataURI}); err != nil {
			log.Printf("library: import of %s failed: %v", relPath, err)
			result.Failed = append(result.Failed, relPath)
			return
		}
		result.Imported++
	}

	switch format {
	case archiveFormatZip:
		stat, err := tmpFile.Stat()
		if err != nil {
			return nil, fmt.Errorf("library: stat temp file: %w", err)
		}
		err = walkZip(tmpFile, stat.Size(), addEntry)
		if err != nil {
			return nil, err
		}
	case archiveFormatRar:
		if err := walkRar(tmpFile.Name(), addEntry); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("library: unsupported archive format")
	}

	if result.Imported == 0 && len(result.Failed) == 0 {
		return nil, errors.New("library: archive contains no importable images")
	}
	return result, nil
}

func walkZip(tmpFile *os.File, size int64, visit func(relPath string, data []byte)) error {
	reader, err := zip.NewReader(tmpFile, size)
	if err != nil {
		return fmt.Errorf("library: parse archive: %w", err)
	}

	for _, file := range reader.File {
		sanitized, err := sanitizeArchiveEntry(file.Name)
		if err != nil {
			return err
		}
		if sanitized == "" || file.FileInfo().IsDir() {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("library: open entry %s: %w", sanitized, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxImportImageSize+1))
		rc.Close()
		if err != nil {
			return fmt.Errorf("library: read entry %s: %w", sanitized, err)
		}
		visit(sanitized, data)
	}
	return nil
}

func walkRar(tmpPath string, visit func(relPath string, data []byte)) error {
	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("library: reopen temp archive: %w", err)
	}
	defer f.Close()

	rr, err := rardecode.NewReader(f)
	if err != nil {
		return fmt.Errorf("library: parse rar archive: %w", err)
	}

	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("library: read rar entry: %w", err)
		}

		sanitized, err := sanitizeArchiveEntry(header.Name)
		if err != nil {
			return err
		}
		if sanitized == "" || header.IsDir {
			if !header.IsDir {
				if _, err := io.Copy(io.Discard, rr); err != nil {
					return fmt.Errorf("library: discard rar entry: %w", err)
				}
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rr, maxImportImageSize+1))
		if err != nil {
			return fmt.Errorf("library: read rar entry %s: %w", sanitized, err)
		}
		visit(sanitized, data)
	}
	return nil
}

func detectArchiveFormat(file *os.File, originalName string) (string, error) {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(originalName)))
	switch ext {
	case ".zip":
		return archiveFormatZip, nil
	case ".rar":
		return archiveFormatRar, nil
	}

	var header [8]byte
	n, err := file.ReadAt(header[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("library: read archive header: %w", err)
	}
	headerSlice := header[:n]

	if len(headerSlice) >= 2 && headerSlice[0] == 0x50 && headerSlice[1] == 0x4b {
		return archiveFormatZip, nil
	}
	if len(headerSlice) >= 6 && bytes.Equal(headerSlice[:6], []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07}) {
		return archiveFormatRar, nil
	}

	return "", errors.New("library: unsupported archive format, only .zip and .rar are accepted")
}

func sanitizeArchiveEntry(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", nil
	}

	normalized := strings.ReplaceAll(trimmed, "\\", "/")
	normalized = path.Clean(normalized)
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "." || normalized == "" {
		return "", nil
	}
	if strings.HasPrefix(normalized, "../") {
		return "", fmt.Errorf("library: archive entry %q uses parent traversal", name)
	}
	if strings.HasPrefix(strings.ToLower(normalized), "__macosx/") {
		return "", nil
	}
	return normalized, nil
}

func imageMimeType(relPath string) string {
	switch strings.ToLower(path.Ext(relPath)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return ""
	}
}
