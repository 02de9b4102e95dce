package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameBytes is the default hard cap on a single frame's JSON body,
// announced to peers in WELCOME.limits.max_frame_bytes.
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// ErrFrameOversize is fatal: the peer must close the connection. (The
// FRAME_TOO_LARGE wire code is the string constant ErrFrameTooLarge.)
var ErrFrameOversize = errors.New("protocol: frame exceeds max_frame_bytes")

// ErrFrameMalformed is non-fatal for the stream: exactly one frame was
// skipped and the caller may keep reading. (The MALFORMED_FRAME wire code
// is the string constant ErrMalformedFrame.)
var ErrFrameMalformed = errors.New("protocol: malformed frame body")

const lengthPrefixSize = 4

// FrameReader parses a stream of 4-byte-big-endian-length-prefixed JSON
// frames into Envelopes. One instance per connection; not safe for
// concurrent use by multiple goroutines (single-consumer, per spec §4.1).
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

// NewFrameReader wraps r. maxSize <= 0 uses DefaultMaxFrameBytes.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameBytes
	}
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024), maxSize: maxSize}
}

// Next reads and decodes one envelope. On a malformed JSON body it returns
// an error wrapping ErrFrameMalformed having already consumed exactly that one frame, so the
// caller can call Next again without the stream desynchronising. On a frame
// whose declared length exceeds maxSize it returns ErrFrameOversize; the
// connection must be closed at that point, per spec — the offending bytes
// are deliberately not consumed since the stream cannot be trusted past a
// length this large.
func (fr *FrameReader) Next() (Envelope, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > fr.maxSize {
		return Envelope{}, ErrFrameOversize
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return Envelope{}, err
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrFrameMalformed, err)
	}
	return env, nil
}

// FrameWriter encodes Envelopes into length-prefixed frames and writes them
// under a mutex. It has no queue or goroutine of its own: coalescing comes
// from WriteBatch, which connection.Conn's single write loop calls with
// everything queued on the connection so a burst shares one syscall, per
// the write-queue-per-connection design of spec §4.1/§4.3.
type FrameWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewFrameWriter wraps w. Writes are serialized by an internal mutex; callers
// needing coalescing should batch via WriteBatch rather than call Write in a
// tight loop from multiple goroutines.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write encodes and writes a single envelope as one frame.
func (fw *FrameWriter) Write(env Envelope) error {
	return fw.WriteBatch([]Envelope{env})
}

// WriteBatch encodes and writes multiple envelopes as one buffered write,
// the coalescing primitive spec §4.1 describes ("multiple envelopes
// coalesce into one syscall").
func (fw *FrameWriter) WriteBatch(envs []Envelope) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.closed {
		return io.ErrClosedPipe
	}

	buf := make([]byte, 0, 256*len(envs))
	for _, env := range envs {
		body, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		var lenBuf [lengthPrefixSize]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, body...)
	}

	_, err := fw.w.Write(buf)
	return err
}

// Close marks the writer closed; subsequent Write/WriteBatch calls fail.
func (fw *FrameWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.closed = true
	return nil
}
