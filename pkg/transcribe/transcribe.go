// Package transcribe turns voice notes into text.
package transcribe

import "context"

// Transcriber converts an audio payload to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, fileName string, mimeType string) (string, error)
}

// Func adapts a function to Transcriber.
type Func func(ctx context.Context, audio []byte, fileName string, mimeType string) (string, error)

func (f Func) Transcribe(ctx context.Context, audio []byte, fileName string, mimeType string) (string, error) {
	return f(ctx, audio, fileName, mimeType)
}
