// Package media downloads the attachment of a media message and archives it
// in object storage.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wabridge/pkg/failure"
	"wabridge/pkg/message"
	"wabridge/pkg/objectstore"
	"wabridge/pkg/session"
	"wabridge/pkg/transcribe"
)

// Options configures a Pipeline.
type Options struct {
	Sessions session.Provider
	Store    objectstore.Store
	Bucket   string
	// Transcriber is optional; when set, audio content is filled with the
	// transcript.
	Transcriber transcribe.Transcriber
	Logger      *slog.Logger
}

// Pipeline fetches, archives and optionally transcribes media.
type Pipeline struct {
	sessions    session.Provider
	store       objectstore.Store
	bucket      string
	transcriber transcribe.Transcriber
	log         *slog.Logger
}

func New(opts Options) (*Pipeline, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session provider is required")
	}
	if opts.Store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Pipeline{
		sessions:    opts.Sessions,
		store:       opts.Store,
		bucket:      opts.Bucket,
		transcriber: opts.Transcriber,
		log:         log.With("component", "media.pipeline"),
	}, nil
}

// Extract archives the attachment of msg and sets its storage key. Messages
// without media are left untouched. Every failure is reported as
// failure.KindMediaUnavailable; nothing is retried.
func (p *Pipeline) Extract(ctx context.Context, msg *message.Message) error {
	media := msg.Media()
	if media == nil {
		return nil
	}

	log := p.log.With("message_id", msg.Key().ID, "kind", msg.Kind())
	startedAt := time.Now()

	conn, err := p.sessions.Session(ctx)
	if err != nil {
		return failure.Wrap(failure.KindMediaUnavailable, err, "session unavailable")
	}

	data, err := conn.DownloadMedia(ctx, msg.Raw)
	if err != nil {
		return failure.Wrap(failure.KindMediaUnavailable, err, "download")
	}
	if len(data) == 0 {
		return failure.New(failure.KindMediaUnavailable, "download returned no data")
	}

	key, err := p.store.Put(ctx, p.bucket, media.Path, data, media.MimeType)
	if err != nil {
		return failure.Wrap(failure.KindMediaUnavailable, err, "upload")
	}
	media.StorageKey = key

	log.Info("Media archived",
		"storage_key", key,
		"mime_type", media.MimeType,
		"size", len(data),
		"duration_ms", time.Since(startedAt).Milliseconds(),
	)

	if _, ok := msg.Variant.(*message.Audio); ok {
		p.transcribe(ctx, log, media, data)
	}

	return nil
}

// transcribe fills the audio content. Failures leave it empty.
func (p *Pipeline) transcribe(ctx context.Context, log *slog.Logger, media *message.Media, data []byte) {
	if p.transcriber == nil {
		return
	}

	text, err := p.transcriber.Transcribe(ctx, data, media.Path, media.MimeType)
	if err != nil {
		log.Warn("Audio transcription failed", "error", err)
		return
	}
	media.Content = text
	log.Debug("Audio transcribed", "text_length", len(text))
}

// EnsureBucket prepares the target bucket; it is called once at startup.
func (p *Pipeline) EnsureBucket(ctx context.Context) error {
	if err := p.store.EnsureBucket(ctx, p.bucket); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", p.bucket, err)
	}
	return nil
}
