// Package clipitem defines the clipboard content model shared by every
// other component: a tagged union of text, image, and file-list content,
// plus the content-hash discipline used for echo suppression and transfer
// integrity.
package clipitem

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ContentType identifies which variant of ClipboardItem is populated.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeFiles ContentType = "files"
)

// Source tags where an item originated.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// FileBlob is a single file carried as part of a Files item. Name is a bare
// filename, never a path; OriginPath optionally records where it came from
// on the source machine for local-only bookkeeping.
type FileBlob struct {
	Name       string
	Bytes      []byte
	OriginPath string
}

// SkippedFile records a file that FromFileContents declined to read, and why.
type SkippedFile struct {
	Path   string
	Reason string
}

// ClipboardItem is a tagged union of text, image, or file-list content, with
// a content hash used for echo suppression and dedup.
type ClipboardItem struct {
	ContentType ContentType
	Text        string
	ImageBytes  []byte
	FilePaths   []string
	Files       []FileBlob
	ContentHash string
	Timestamp   time.Time
	Source      Source
}

// FromText builds a Text item, hashing the UTF-8 bytes of text.
func FromText(text string, source Source) ClipboardItem {
	return ClipboardItem{
		ContentType: ContentTypeText,
		Text:        text,
		ContentHash: hashBytes([]byte(text)),
		Timestamp:   time.Now(),
		Source:      source,
	}
}

// FromImage builds an Image item from PNG-encoded bytes.
func FromImage(pngBytes []byte, source Source) ClipboardItem {
	return ClipboardItem{
		ContentType: ContentTypeImage,
		ImageBytes:  pngBytes,
		ContentHash: hashBytes(pngBytes),
		Timestamp:   time.Now(),
		Source:      source,
	}
}

// FromFiles builds a Files item in path-only mode: no content is read, and
// the hash is derived from the sorted path list. Used for local-only
// clipboard bookkeeping where the receiving side never needs bytes.
func FromFiles(paths []string, source Source) ClipboardItem {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	hash := hashBytes([]byte(strings.Join(sorted, "\n")))
	return ClipboardItem{
		ContentType: ContentTypeFiles,
		FilePaths:   paths,
		ContentHash: hash,
		Timestamp:   time.Now(),
		Source:      source,
	}
}

// FromFileContents builds a Files item in content-read mode: it reads each
// path from disk, skipping files that fail the per-file or running
// total-size caps (or that don't exist), and reports the skips with a
// structured reason rather than silently dropping them. The hash is derived
// from the concatenation of file bytes in list order.
func FromFileContents(paths []string, source Source, maxFileSize, maxTotalSize int64) (ClipboardItem, []SkippedFile) {
	var (
		files     []FileBlob
		skipped   []SkippedFile
		totalSize int64
	)

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			skipped = append(skipped, SkippedFile{Path: path, Reason: "not a file"})
			continue
		}
		if info.Size() > maxFileSize {
			skipped = append(skipped, SkippedFile{Path: path, Reason: "file exceeds per-file size cap"})
			continue
		}
		if totalSize+info.Size() > maxTotalSize {
			skipped = append(skipped, SkippedFile{Path: path, Reason: "total size cap exceeded"})
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			skipped = append(skipped, SkippedFile{Path: path, Reason: err.Error()})
			continue
		}
		files = append(files, FileBlob{
			Name:       filepath.Base(path),
			Bytes:      content,
			OriginPath: path,
		})
		totalSize += info.Size()
	}

	item := ClipboardItem{
		ContentType: ContentTypeFiles,
		FilePaths:   paths,
		Files:       files,
		ContentHash: hashFileBlobs(files),
		Timestamp:   time.Now(),
		Source:      source,
	}
	return item, skipped
}

// FromReceivedFiles builds a Files item from file contents already received
// over the wire (no disk reads, no caps — the sender already applied them).
func FromReceivedFiles(files []FileBlob, source Source) ClipboardItem {
	return ClipboardItem{
		ContentType: ContentTypeFiles,
		Files:       files,
		ContentHash: hashFileBlobs(files),
		Timestamp:   time.Now(),
		Source:      source,
	}
}

func hashFileBlobs(files []FileBlob) string {
	h := md5.New()
	for _, f := range files {
		h.Write(f.Bytes)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashBytes(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// SanitizeFilename replaces directory separators with underscores and drops
// control characters from a filename received over the wire, substituting
// "unnamed_file" for a name that ends up blank, before the
// caller materializes it on disk. This is the receive-boundary check spec'd
// for FileBlob.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			b.WriteRune('_')
		case r < 0x20:
			// drop control characters entirely
		default:
			b.WriteRune(r)
		}
	}
	clean := strings.TrimSpace(b.String())
	if clean == "" {
		return "unnamed_file"
	}
	return clean
}

// ErrEmptyFilename describes a blank sanitized name. No function in this
// package returns it: SanitizeFilename substitutes "unnamed_file" instead.
var ErrEmptyFilename = errors.New("clipitem: filename must not be empty after sanitization")
