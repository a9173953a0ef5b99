package constants

import (
	"mime"
	"strings"
)

// ContentKind groups declared content types by the text path they take.
type ContentKind string

const (
	KindPDF   ContentKind = "PDF"
	KindImage ContentKind = "IMAGE"
	KindText  ContentKind = "TEXT"
	KindHTML  ContentKind = "HTML"
)

var contentTypeKinds = map[string]ContentKind{
	"application/pdf":       KindPDF,
	"image/png":             KindImage,
	"image/jpeg":            KindImage,
	"image/jpg":             KindImage,
	"image/tiff":            KindImage,
	"image/gif":             KindImage,
	"image/bmp":             KindImage,
	"image/webp":            KindImage,
	"image/heic":            KindImage,
	"image/heif":            KindImage,
	"text/plain":            KindText,
	"text/csv":              KindText,
	"text/markdown":         KindText,
	"application/json":      KindText,
	"text/html":             KindHTML,
	"application/xhtml+xml": KindHTML,
}

var extContentTypes = map[string]string{
	"pdf":  "application/pdf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"webp": "image/webp",
	"heic": "image/heic",
	"heif": "image/heif",
	"txt":  "text/plain",
	"csv":  "text/csv",
	"md":   "text/markdown",
	"json": "application/json",
	"html": "text/html",
	"htm":  "text/html",
	"yaml": "application/yaml",
	"yml":  "application/yaml",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// NormalizeContentType strips parameters ("; charset=utf-8") and lowercases.
func NormalizeContentType(ct string) string {
	if ct == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// KindOf maps a declared content type to its text path. ok is false for
// types no stage can turn into text.
func KindOf(contentType string) (ContentKind, bool) {
	k, ok := contentTypeKinds[NormalizeContentType(contentType)]
	return k, ok
}

// ContentTypeForExt guesses a content type from a file extension.
func ContentTypeForExt(ext string) string {
	return extContentTypes[NormalizeExt(ext)]
}

// IsHEIC reports whether the content type needs conversion before tesseract.
func IsHEIC(contentType string) bool {
	ct := NormalizeContentType(contentType)
	return ct == "image/heic" || ct == "image/heif"
}

var preferredExt = map[string]string{
	"application/pdf":  "pdf",
	"image/jpeg":       "jpg",
	"image/jpg":        "jpg",
	"image/tiff":       "tiff",
	"image/heif":       "heic",
	"text/plain":       "txt",
	"text/html":        "html",
	"text/markdown":    "md",
	"application/yaml": "yaml",
}

// ExtForContentType returns a file extension (without the dot) for a
// content type, or "bin" when none is known.
func ExtForContentType(contentType string) string {
	ct := NormalizeContentType(contentType)
	if ext, ok := preferredExt[ct]; ok {
		return ext
	}
	for ext, v := range extContentTypes {
		if v == ct {
			return ext
		}
	}
	return "bin"
}
