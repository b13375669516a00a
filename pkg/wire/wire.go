// Package wire frames sealed bundles and halt records for peers. Frames are
// msgpack envelopes around the canonical JSON body, so seals and hashes
// computed over the body stay valid on every receiver.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Mindburn-Labs/certledger/pkg/canonicalize"
)

// Version is the frame format version.
const Version uint8 = 1

// Kind names the frame body.
type Kind string

const (
	KindSealedBundle Kind = "sealed_bundle"
	KindHaltRecord   Kind = "halt_record"
)

var (
	ErrVersion  = errors.New("wire: unsupported frame version")
	ErrBodyHash = errors.New("wire: body hash mismatch")
)

// Frame is one message on the wire.
type Frame struct {
	Version       uint8  `msgpack:"v"`
	Kind          Kind   `msgpack:"kind"`
	CorrelationID string `msgpack:"correlation_id"`
	Body          []byte `msgpack:"body"`
	BodyHash      string `msgpack:"body_hash"`
}

// NewFrame canonicalizes v into a frame body.
func NewFrame(kind Kind, correlationID string, v any) (Frame, error) {
	body, err := canonicalize.JCS(v)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: canonicalize %s: %w", kind, err)
	}
	return Frame{
		Version:       Version,
		Kind:          kind,
		CorrelationID: correlationID,
		Body:          body,
		BodyHash:      canonicalize.HashBytes(body),
	}, nil
}

// Check validates the version and body hash.
func (f Frame) Check() error {
	if f.Version != Version {
		return fmt.Errorf("%w: %d", ErrVersion, f.Version)
	}
	if canonicalize.HashBytes(f.Body) != f.BodyHash {
		return fmt.Errorf("%w: %s frame %s", ErrBodyHash, f.Kind, f.CorrelationID)
	}
	return nil
}

// Decode unmarshals the body into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Body, v)
}

// Marshal encodes a frame.
func Marshal(f Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

// Unmarshal decodes and checks a frame.
func Unmarshal(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	if err := f.Check(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Writer streams frames to w. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: msgpack.NewEncoder(w)}
}

// Emit frames v and writes it.
func (w *Writer) Emit(kind Kind, correlationID string, v any) error {
	f, err := NewFrame(kind, correlationID, v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(f); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// Reader reads frames written by a Writer.
type Reader struct {
	dec *msgpack.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: msgpack.NewDecoder(r)}
}

// Next returns the next checked frame, or io.EOF at the end of the stream.
func (r *Reader) Next() (Frame, error) {
	var f Frame
	if err := r.dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("wire: read frame: %w", err)
	}
	if err := f.Check(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
