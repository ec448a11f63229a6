package textproto

// Delimiter terminates every command line on the wire.
const Delimiter = "\r\n"

// Frame is one unit sliced off the inbound byte stream: either a complete
// command line (without its CRLF) or a literal payload of a pre-announced
// byte count.
type Frame struct {
	Data    string
	Literal bool
}

// Framer buffers inbound bytes and slices them into CRLF-delimited lines.
// After BeginLiteral the framer switches to byte-count mode and the next n
// raw bytes, embedded delimiters included, are accumulated into a single
// literal frame before line mode resumes.
//
// Feed only appends; frames are popped one at a time with Next so a handler
// can switch the framer into literal mode between two frames of the same
// network chunk.
type Framer struct {
	buf        []byte
	literalLen int
	literal    []byte
}

// Feed appends a chunk of raw bytes from the socket.
func (f *Framer) Feed(chunk []byte) {
	f.buf = append(f.buf, chunk...)
}

// BeginLiteral switches the framer into byte-count mode for the next n bytes.
func (f *Framer) BeginLiteral(n int) {
	f.literalLen = n
	f.literal = nil
}

// Pending returns the number of buffered bytes not yet emitted.
func (f *Framer) Pending() int {
	return len(f.buf) + len(f.literal)
}

// Next pops the next complete frame. The second return value is false when
// the buffer holds no complete line or literal yet.
func (f *Framer) Next() (Frame, bool) {
	if f.literalLen > 0 {
		take := f.literalLen
		if take > len(f.buf) {
			take = len(f.buf)
		}
		f.literal = append(f.literal, f.buf[:take]...)
		f.buf = f.buf[take:]
		f.literalLen -= take

		if f.literalLen > 0 {
			// Literal still incomplete, wait for more bytes.
			return Frame{}, false
		}

		frame := Frame{Data: string(f.literal), Literal: true}
		f.literal = nil
		return frame, true
	}

	idx := indexDelimiter(f.buf)
	if idx < 0 {
		return Frame{}, false
	}

	line := string(f.buf[:idx])
	f.buf = f.buf[idx+len(Delimiter):]
	return Frame{Data: line}, true
}

func indexDelimiter(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}
