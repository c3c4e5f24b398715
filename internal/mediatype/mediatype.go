// Package mediatype classifies response Content-Type headers into the
// handful of media classes this proxy treats specially, using exact
// MIME-subtype matching so a header like "text/html; image/png" (a
// malformed or deliberately crafted value) is never mistaken for an image
// by a substring check.
package mediatype

import "mime"

// Class is a coarse media classification.
type Class string

const (
	ClassImage    Class = "image"
	ClassVideo    Class = "video"
	ClassAudio    Class = "audio"
	ClassManifest Class = "manifest" // HLS playlists
	ClassOther    Class = "other"
)

var imageTypes = map[string]bool{
	"image/jpeg":    true,
	"image/jpg":     true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/avif":    true,
	"image/svg+xml": true,
	"image/bmp":     true,
	"image/tiff":    true,
	"image/x-icon":  true,
	"image/heic":    true,
	"image/heif":    true,
	"image/jxl":     true,
}

var videoTypes = map[string]bool{
	"video/mp4":        true,
	"video/webm":       true,
	"video/ogg":        true,
	"video/quicktime":  true,
	"video/x-matroska": true,
	"video/x-m4v":      true,
	"video/mp2t":       true, // MPEG-TS segments
}

var audioTypes = map[string]bool{
	"audio/mpeg":  true,
	"audio/ogg":   true,
	"audio/wav":   true,
	"audio/webm":  true,
	"audio/x-m4a": true,
	"audio/mp4":   true,
	"audio/aac":   true,
	"audio/flac":  true,
}

var manifestTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true, // HLS .m3u8
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// Classify parses contentType (a raw Content-Type header value, which may
// include parameters like "; charset=utf-8") and returns its Class. An
// unparseable or unrecognized type is ClassOther.
func Classify(contentType string) Class {
	base, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ClassOther
	}

	switch {
	case imageTypes[base]:
		return ClassImage
	case videoTypes[base]:
		return ClassVideo
	case audioTypes[base]:
		return ClassAudio
	case manifestTypes[base]:
		return ClassManifest
	default:
		return ClassOther
	}
}

// IsStreamable reports whether class represents content this proxy will
// serve with Range support (video, audio, and manifests referencing
// segments of either).
func IsStreamable(c Class) bool {
	return c == ClassVideo || c == ClassAudio || c == ClassManifest
}
