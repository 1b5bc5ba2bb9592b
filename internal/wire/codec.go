package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/flate"

	"github.com/fleetrpc/fleetrpc/pkg/constants"
	"github.com/fleetrpc/fleetrpc/pkg/errors"
)

var cborMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err) // options are static and known-valid; a failure here is a build-time bug
	}
	return mode
}()

// Encoder writes frames and stream attachments to an underlying byte stream
// per the wire layout in spec §6. A single Encoder must not be used by two
// goroutines concurrently without external serialization — the Connection
// owns that discipline (spec §4.3/§5: strictly alternating, one writer at a
// time).
type Encoder struct {
	w  io.Writer
	mu sync.Mutex
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteFrame serializes and flushes frame atomically: u32_le length followed
// by the raw-deflated CBOR bytes (spec §4.1, §6).
func (e *Encoder) WriteFrame(frame *Frame) error {
	raw, err := cborMode.Marshal(frame)
	if err != nil {
		return errors.NewProtocolViolationError("encoding frame", err)
	}

	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		return errors.NewProtocolViolationError("initializing deflate writer", err)
	}
	if _, err := fw.Write(raw); err != nil {
		return errors.NewProtocolViolationError("compressing frame", err)
	}
	if err := fw.Close(); err != nil {
		return errors.NewProtocolViolationError("flushing deflate writer", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(compressed.Len()))
	if _, err := e.w.Write(lenBuf[:]); err != nil {
		return errors.NewConnectionClosedError("", err)
	}
	if _, err := e.w.Write(compressed.Bytes()); err != nil {
		return errors.NewConnectionClosedError("", err)
	}
	return nil
}

// WriteAttachment writes one stream attachment: u64_le length followed by
// length raw, uncompressed bytes read from r (spec §6). sink, if non-nil,
// receives whole-percent progress updates in increasing order, ending with
// exactly 100 when the last byte is flushed (spec §4.1).
func (e *Encoder) WriteAttachment(length int64, r io.Reader, sink *ProgressSink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer sink.close()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(length))
	if _, err := e.w.Write(lenBuf[:]); err != nil {
		return errors.NewConnectionClosedError("", err)
	}

	if length == 0 {
		sink.push(100)
		return nil
	}

	const chunkSize = 64 * 1024
	buf := make([]byte, chunkSize)
	var written int64
	lastPercent := 0
	for written < length {
		want := int64(len(buf))
		if remaining := length - written; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(r, buf[:want])
		if n > 0 {
			if _, werr := e.w.Write(buf[:n]); werr != nil {
				return errors.NewConnectionClosedError("", werr)
			}
			written += int64(n)
			percent := int(written * 100 / length)
			for lastPercent < percent {
				lastPercent++
				sink.push(lastPercent)
			}
		}
		if err != nil {
			// io.ReadFull reports EOF/ErrUnexpectedEOF when r holds fewer
			// than the declared length bytes; the frame cannot be completed.
			return errors.NewProtocolViolationError("reading attachment payload", err)
		}
	}
	for lastPercent < 100 {
		lastPercent++
		sink.push(lastPercent)
	}
	return nil
}

// Decoder reads frames and stream attachments off an underlying byte stream,
// enforcing that each frame's attachments are consumed, in order, before the
// next frame may be read (spec §4.1).
type Decoder struct {
	r        io.Reader
	pending  []string
	current  *StreamReader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadFrame blocks until a complete frame is available.
func (d *Decoder) ReadFrame() (*Frame, error) {
	if d.current != nil && !d.current.Exhausted() {
		return nil, errors.NewProtocolViolationError("previous frame's stream attachment was not fully consumed", nil)
	}
	if len(d.pending) > 0 {
		return nil, errors.NewProtocolViolationError("previous frame's stream attachments were not fully consumed", nil)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return nil, errors.NewConnectionClosedError("", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])

	compressed := make([]byte, n)
	if _, err := io.ReadFull(d.r, compressed); err != nil {
		return nil, errors.NewConnectionClosedError("", err)
	}

	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()
	raw, err := io.ReadAll(fr)
	if err != nil {
		return nil, errors.NewProtocolViolationError("decompressing frame", err)
	}

	var frame Frame
	if err := cbor.Unmarshal(raw, &frame); err != nil {
		return nil, errors.NewProtocolViolationError("decoding frame", err)
	}

	d.pending = frame.AttachedStreamIDs()
	d.current = nil
	return &frame, nil
}

// NextAttachment opens the next declared stream attachment for reading. It
// returns io.EOF once all attachments declared by the last-read frame have
// been opened.
func (d *Decoder) NextAttachment() (*StreamReader, error) {
	if d.current != nil && !d.current.Exhausted() {
		return nil, errors.NewProtocolViolationError("previous stream attachment was not fully consumed", nil)
	}
	if len(d.pending) == 0 {
		return nil, io.EOF
	}

	id := d.pending[0]
	d.pending = d.pending[1:]

	var lenBuf [8]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return nil, errors.NewConnectionClosedError("", err)
	}
	length := int64(binary.LittleEndian.Uint64(lenBuf[:]))
	if length < 0 || length > constants.MaxStreamAttachment {
		return nil, errors.NewProtocolViolationError("declared attachment length exceeds sanity cap", nil)
	}

	sr := &StreamReader{id: id, length: length, remaining: length, r: d.r}
	d.current = sr
	return sr, nil
}

// PendingAttachments reports how many attachments remain to be opened for
// the last-read frame.
func (d *Decoder) PendingAttachments() int {
	n := len(d.pending)
	if d.current != nil && !d.current.Exhausted() {
		n++
	}
	return n
}
