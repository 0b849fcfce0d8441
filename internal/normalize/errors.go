package normalize

import "errors"

var (
	// ErrUnsupportedMediaKind indicates the attachment's media kind has no
	// registered handler. Permanent; never retried.
	ErrUnsupportedMediaKind = errors.New("unsupported media kind")
	// ErrFetchFailed indicates the content reference could not be resolved
	// to bytes. Transient; the caller retries with backoff.
	ErrFetchFailed = errors.New("attachment fetch failed")
	// ErrExtractionFailed indicates the bytes were retrieved but could not
	// be parsed. Permanent; surfaced as a terminal per-message failure.
	ErrExtractionFailed = errors.New("content extraction failed")
)
