package normalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// Normalizer turns attachments into Normalized content. Stateless apart
// from its collaborator wiring; safe for concurrent use.
type Normalizer struct {
	logger      *slog.Logger
	fetcher     Fetcher
	converters  map[MediaKind]Converter
	transcriber Transcriber
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithConverter registers (or replaces) the converter for a media kind.
func WithConverter(kind MediaKind, conv Converter) Option {
	return func(n *Normalizer) {
		n.converters[kind] = conv
	}
}

// WithTranscriber enables audio handling through the given transcriber.
func WithTranscriber(t Transcriber) Option {
	return func(n *Normalizer) {
		n.transcriber = t
	}
}

// New creates a Normalizer with the built-in image and document
// converters. Audio requires WithTranscriber.
func New(log *slog.Logger, fetcher Fetcher, opts ...Option) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	n := &Normalizer{
		logger:  log.With(slog.String("service", "normalizer")),
		fetcher: fetcher,
		converters: map[MediaKind]Converter{
			MediaImage:    convertImage,
			MediaDocument: convertDocument,
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize fetches the attachment bytes, fingerprints them, and extracts
// text according to the media kind.
func (n *Normalizer) Normalize(ctx context.Context, att Attachment) (Normalized, error) {
	conv, ok := n.converters[att.Kind]
	if !ok && !(att.Kind == MediaAudio && n.transcriber != nil) {
		return Normalized{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaKind, att.Kind)
	}

	data, err := n.fetcher.Fetch(ctx, att.Ref)
	if err != nil {
		return Normalized{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	sum := sha256.Sum256(data)
	out := Normalized{
		Kind:        att.Kind,
		Fingerprint: hex.EncodeToString(sum[:]),
		Mime:        att.Mime,
		Caption:     att.Caption,
	}
	if att.Kind == MediaImage {
		out.Data = data
	}

	if att.Kind == MediaAudio {
		text, err := n.transcriber.Transcribe(ctx, data, att.Mime)
		if err != nil {
			return Normalized{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
		}
		out.Text = text
		return out, nil
	}

	text, err := conv(data, att.Mime)
	if err != nil {
		return Normalized{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	out.Text = text
	return out, nil
}

// convertImage yields no text; an image's description comes from
// inference against the fingerprinted bytes, not from normalization.
func convertImage(data []byte, mime string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty image payload")
	}
	return "", nil
}

// convertDocument extracts text from document bytes. HTML is converted to
// markdown; any other UTF-8 payload passes through as-is.
func convertDocument(data []byte, mime string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty document payload")
	}
	base := mime
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	base = strings.ToLower(strings.TrimSpace(base))

	if base == "text/html" || base == "application/xhtml+xml" {
		md, err := htmltomarkdown.ConvertString(string(data))
		if err != nil {
			return "", fmt.Errorf("convert html: %w", err)
		}
		return md, nil
	}

	if !utf8.Valid(data) {
		return "", fmt.Errorf("document is not valid utf-8 text (mime %q)", mime)
	}
	return string(data), nil
}
