package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	ContentTypeNDJSON  = "application/x-ndjson"
	ContentTypeMsgpack = "application/x-msgpack"
)

// ErrUnsupportedCodec is returned by CodecFor for unknown media types.
var ErrUnsupportedCodec = errors.New("transport: unsupported content type")

// Encoder writes transport events.
type Encoder interface {
	Encode(Event) error
}

// Decoder reads transport events. It returns io.EOF at a clean end of stream.
type Decoder interface {
	Decode() (Event, error)
}

// Codec pairs a media type with its encoder and decoder.
type Codec struct {
	ContentType string
	NewEncoder  func(io.Writer) Encoder
	NewDecoder  func(io.Reader) Decoder
}

var (
	NDJSON  = Codec{ContentType: ContentTypeNDJSON, NewEncoder: NewJSONEncoder, NewDecoder: NewJSONDecoder}
	Msgpack = Codec{
		ContentType: ContentTypeMsgpack,
		NewEncoder:  func(w io.Writer) Encoder { return NewFrameEncoder(w) },
		NewDecoder:  func(r io.Reader) Decoder { return NewFrameDecoder(r) },
	}
)

// CodecFor returns the codec for a Content-Type header value.
func CodecFor(contentType string) (Codec, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return Codec{}, fmt.Errorf("%w: %q", ErrUnsupportedCodec, contentType)
	}
	switch mt {
	case ContentTypeNDJSON, "application/jsonl", "application/json":
		return NDJSON, nil
	case ContentTypeMsgpack, "application/msgpack", "application/vnd.msgpack":
		return Msgpack, nil
	default:
		return Codec{}, fmt.Errorf("%w: %q", ErrUnsupportedCodec, contentType)
	}
}

// Negotiate picks a codec from an Accept header. NDJSON is the default.
func Negotiate(accept string) Codec {
	for _, part := range strings.Split(accept, ",") {
		if c, err := CodecFor(strings.TrimSpace(part)); err == nil {
			return c
		}
	}
	return NDJSON
}

type jsonEncoder struct{ enc *json.Encoder }

// NewJSONEncoder writes one JSON object per line. HTML characters are
// escaped so the output can be inlined into a script tag.
func NewJSONEncoder(w io.Writer) Encoder { return jsonEncoder{enc: json.NewEncoder(w)} }

func (e jsonEncoder) Encode(ev Event) error { return e.enc.Encode(ev) }

type jsonDecoder struct{ dec *json.Decoder }

// NewJSONDecoder reads newline-delimited JSON events.
func NewJSONDecoder(r io.Reader) Decoder { return jsonDecoder{dec: json.NewDecoder(r)} }

func (d jsonDecoder) Decode() (Event, error) {
	var ev Event
	if err := d.dec.Decode(&ev); err != nil {
		if err == io.EOF {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Frame size limits for the msgpack codec.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size.
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the big-endian length prefix in bytes.
	LengthPrefixSize = 4
)

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame over the size limit.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack error.
	FrameErrorDecode
)

// FrameError represents a frame encoding or decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error { return e.Err }

// IsFatal reports whether the stream cannot continue after e. Partial and
// oversized frames are fatal.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError reports whether err is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameEncoder writes length-prefixed msgpack frames.
type FrameEncoder struct {
	w          io.Writer
	maxPayload int
}

// NewFrameEncoder creates a frame encoder with the default size limit.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{w: w, maxPayload: MaxPayloadSize}
}

// Encode writes ev as a single frame.
func (e *FrameEncoder) Encode(ev Event) error {
	payload, err := msgpack.Marshal(&ev)
	if err != nil {
		return &FrameError{Kind: FrameErrorDecode, Msg: "failed to encode event", Err: err}
	}
	if len(payload) > e.maxPayload {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), e.maxPayload),
		}
	}
	frame := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[LengthPrefixSize:], payload)
	_, err = e.w.Write(frame)
	return err
}

// FrameDecoder reads length-prefixed msgpack frames.
type FrameDecoder struct {
	reader     io.Reader
	maxPayload uint32
}

// FrameOption configures a FrameDecoder.
type FrameOption func(*FrameDecoder)

// WithMaxPayload lowers the accepted payload size.
func WithMaxPayload(n uint32) FrameOption { return func(d *FrameDecoder) { d.maxPayload = n } }

// NewFrameDecoder creates a frame decoder.
func NewFrameDecoder(r io.Reader, opts ...FrameOption) *FrameDecoder {
	d := &FrameDecoder{reader: r, maxPayload: MaxPayloadSize}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ReadFrame reads a single raw payload.
//
// Errors:
//   - io.EOF: stream ended cleanly
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.reader, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > d.maxPayload {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, d.maxPayload),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload", Err: err}
	}
	return payload, nil
}

// Decode reads the next frame as an Event.
func (d *FrameDecoder) Decode() (Event, error) {
	payload, err := d.ReadFrame()
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := msgpack.Unmarshal(payload, &ev); err != nil {
		return Event{}, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode event", Err: err}
	}
	return ev, nil
}
