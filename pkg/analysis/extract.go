package analysis

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// TextExtractor turns an uploaded file into contract text. Unsupported or
// unreadable files are caller faults.
type TextExtractor interface {
	Extract(fileName string, data []byte) (text string, fileType string, err error)
}

// PlainTextExtractor accepts UTF-8 text and markdown files.
type PlainTextExtractor struct{}

var textTypes = map[string]string{
	".txt":      "text/plain",
	".text":     "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (PlainTextExtractor) Extract(fileName string, data []byte) (string, string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	fileType, ok := textTypes[ext]
	if !ok {
		return "", "", invalid("file", "unsupported file type")
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return "", "", invalid("file", "file is not valid UTF-8 text")
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", invalid("file", "file is empty")
	}
	return text, fileType, nil
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func preview(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "..."
}
