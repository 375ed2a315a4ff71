// Package sanitize turns free-text identifiers into safe path segments.
package sanitize

import (
	"mime"
	"regexp"
	"strings"
)

const (
	DefaultMaxLength = 32
	Placeholder      = "NA"
	FallbackMimeType = "audio/webm"
)

var (
	unsafeChars   = regexp.MustCompile(`[^A-Za-z0-9\x{00C0}-\x{017F}_\-+]`)
	repeatedUnder = regexp.MustCompile(`__+`)
)

// Segment replaces anything outside letters, digits, Latin-1/Latin
// Extended-A letters, '_', '-' and '+' with '_', collapses runs of '_',
// trims them at both ends and cuts the result to maxLen runes.
func Segment(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	s = unsafeChars.ReplaceAllString(s, "_")
	s = repeatedUnder.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if r := []rune(s); len(r) > maxLen {
		s = string(r[:maxLen])
	}
	if s == "" {
		return Placeholder
	}
	return s
}

// MimeType drops parameters from a declared audio MIME type and falls back
// to audio/webm when the value is absent or unparsable.
func MimeType(raw string) string {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "", "null", "undefined":
		return FallbackMimeType
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil || !strings.Contains(mediaType, "/") {
		return FallbackMimeType
	}
	return mediaType
}

// AudioExtension picks the blob extension for a recorder MIME type.
func AudioExtension(mimeType string) string {
	if strings.Contains(strings.ToLower(mimeType), "mp4") {
		return "mp4"
	}
	return "webm"
}
