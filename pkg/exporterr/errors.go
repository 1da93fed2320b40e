// Package exporterr defines the error taxonomy shared by every stage of the
// export pipeline.
package exporterr

import "fmt"

// Kind classifies a pipeline failure so callers (and the Pipeline itself)
// can branch on error class without string matching.
type Kind int

const (
	// InvalidSpec means the ExportSpec failed validation.
	InvalidSpec Kind = iota
	// SourceUnavailable means the source URI could not be opened.
	SourceUnavailable
	// UnsupportedFormat means the source container/codec is not decodable.
	UnsupportedFormat
	// DecodeFailed means a source frame could not be decoded.
	DecodeFailed
	// SeekFailed means a seek to a source timestamp failed.
	SeekFailed
	// CompositorInit means the frame compositor failed to initialize.
	CompositorInit
	// RenderFailed means a single frame render failed.
	RenderFailed
	// CodecUnsupported means neither hardware nor software encoding backends
	// support the requested codec.
	CodecUnsupported
	// EncoderFailed means the encoder failed after being configured.
	EncoderFailed
	// MuxerInit means the muxer failed to initialize.
	MuxerInit
	// MissingCodecDescription means a muxer received a first chunk without a
	// codec description.
	MissingCodecDescription
	// MuxFailed means the muxer failed to append a chunk or finalize.
	MuxFailed
	// EmptyOutput means the trim set consumes the entire source duration.
	EmptyOutput
	// Cancelled means the run was cancelled via Pipeline.Cancel.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case InvalidSpec:
		return "invalid_spec"
	case SourceUnavailable:
		return "source_unavailable"
	case UnsupportedFormat:
		return "unsupported_format"
	case DecodeFailed:
		return "decode_failed"
	case SeekFailed:
		return "seek_failed"
	case CompositorInit:
		return "compositor_init"
	case RenderFailed:
		return "render_failed"
	case CodecUnsupported:
		return "codec_unsupported"
	case EncoderFailed:
		return "encoder_failed"
	case MuxerInit:
		return "muxer_init"
	case MissingCodecDescription:
		return "missing_codec_description"
	case MuxFailed:
		return "mux_failed"
	case EmptyOutput:
		return "empty_output"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind, so callers can use
// errors.As to recover the classification and errors.Is/Unwrap to reach the
// original cause.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if err == nil {
		return false
	}
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.kind == kind
}
