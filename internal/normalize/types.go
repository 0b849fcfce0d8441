// Package normalize converts heterogeneous inbound attachments into a
// canonical extracted-text representation with a stable content
// fingerprint. Actual byte retrieval and heavy decoding are delegated to
// collaborators; the normalizer itself holds no state.
package normalize

import "context"

// MediaKind classifies an inbound attachment.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaDocument MediaKind = "document"
	MediaAudio    MediaKind = "audio"
)

// Attachment is an unresolved inbound attachment: a declared media kind
// plus an opaque content reference the Fetcher knows how to resolve.
type Attachment struct {
	Kind    MediaKind
	Ref     string
	Mime    string
	Name    string
	Caption string
}

// Normalized is the canonical form of an attachment: the content
// fingerprint and any extracted text. Images carry no extracted text;
// describing them is inference work, not normalization work.
type Normalized struct {
	Kind        MediaKind
	Fingerprint string
	Text        string
	Mime        string
	Caption     string
	// Data holds the raw bytes for media kinds whose analysis needs the
	// payload itself (images). Nil otherwise.
	Data []byte
}

// Fetcher resolves a content reference to raw bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Converter extracts text from raw attachment bytes.
type Converter func(data []byte, mime string) (string, error)

// Transcriber converts audio bytes to text. Optional; without one audio
// attachments are unsupported.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, mime string) (string, error)
}
