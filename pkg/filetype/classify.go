// Package filetype derives a file's category and extension from its name.
package filetype

import (
	"mime"
	"path"
	"strings"

	"storeit/pkg/domain"
)

var extensionCategories = map[string]domain.Category{}

func init() {
	register(domain.CategoryDocument,
		"pdf", "doc", "docx", "txt", "xls", "xlsx", "csv", "rtf", "ods", "ppt", "odp",
		"md", "html", "htm", "epub", "pages", "fig", "psd", "ai", "indd", "xd",
		"sketch", "afdesign", "afphoto")
	register(domain.CategoryImage, "jpg", "jpeg", "png", "gif", "bmp", "svg", "webp")
	register(domain.CategoryVideo, "mp4", "avi", "mov", "mkv", "webm")
	register(domain.CategoryAudio, "mp3", "wav", "ogg", "flac")
}

func register(c domain.Category, exts ...string) {
	for _, ext := range exts {
		extensionCategories[ext] = c
	}
}

// Classify returns the category and lower-cased extension (without dot) of name.
// It is total: names without a known extension map to CategoryOther.
func Classify(name string) (domain.Category, string) {
	ext := Extension(name)
	if ext == "" {
		return domain.CategoryOther, ""
	}
	if c, ok := extensionCategories[ext]; ok {
		return c, ext
	}
	return domain.CategoryOther, ext
}

// Extension returns the lower-cased extension of name without the leading dot.
func Extension(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	ext := path.Ext(base)
	if ext == "" || ext == base {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// ContentType guesses the MIME type for an extension.
func ContentType(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return "application/octet-stream"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	contentType := mime.TypeByExtension(strings.ToLower(ext))
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}

// BlobURL builds the public access URL of a blob.
func BlobURL(baseURL, blobID string) string {
	return strings.TrimRight(baseURL, "/") + "/blobs/" + blobID
}
