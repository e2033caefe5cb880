package message

import (
	"strings"

	"wabridge/pkg/session"
)

const (
	defaultImageMime    = "image/jpeg"
	defaultVideoMime    = "video/mp4"
	defaultAudioMime    = "audio/mpeg"
	defaultDocumentMime = "application/octet-stream"

	imageExtension    = "jpg"
	audioExtension    = "mp3"
	fallbackExtension = "bin"
)

var documentExtensions = map[string]string{
	"application/pdf":    "pdf",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.ms-excel": "xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "xlsx",
}

// FileNameKey returns {message id}-{chat id}.
func FileNameKey(key session.MessageKey) string {
	return key.ID + "-" + key.RemoteJID
}

// StoragePath returns /{kind}/{name}.{ext}.
func StoragePath(kind Kind, name, ext string) string {
	return "/" + string(kind) + "/" + name + "." + ext
}

// Extension derives the storage extension for a media kind and MIME type.
// Images are always jpg and audio always mp3; video takes the MIME subtype;
// documents use a fixed table and fall back to bin.
func Extension(kind Kind, mimeType string) string {
	switch kind {
	case KindImage:
		return imageExtension
	case KindAudio:
		return audioExtension
	case KindVideo:
		if sub := mimeSubtype(mimeType); sub != "" {
			return sub
		}
		return mimeSubtype(defaultVideoMime)
	case KindDocument:
		if ext, ok := documentExtensions[baseMime(mimeType)]; ok {
			return ext
		}
		return fallbackExtension
	default:
		return fallbackExtension
	}
}

func defaultMime(kind Kind) string {
	switch kind {
	case KindImage:
		return defaultImageMime
	case KindVideo:
		return defaultVideoMime
	case KindAudio:
		return defaultAudioMime
	default:
		return defaultDocumentMime
	}
}

// baseMime strips parameters such as "; codecs=opus" and lowercases.
func baseMime(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func mimeSubtype(mimeType string) string {
	_, sub, ok := strings.Cut(baseMime(mimeType), "/")
	if !ok {
		return ""
	}
	return strings.TrimSpace(sub)
}

func newMedia(kind Kind, key session.MessageKey, declaredMime, caption string) Media {
	mimeType := strings.TrimSpace(declaredMime)
	if mimeType == "" {
		mimeType = defaultMime(kind)
	}

	name := FileNameKey(key)
	ext := Extension(kind, mimeType)

	return Media{
		MimeType:  mimeType,
		Extension: ext,
		FileName:  name,
		Path:      StoragePath(kind, name, ext),
		Content:   caption,
	}
}
