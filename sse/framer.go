package sse

import "bytes"

// Framer splits a byte stream into SSE data payloads. Chunks may end
// anywhere, including inside a line or a multi-byte character; partial
// lines are held until the rest arrives.
//
// A "data:" line starts a new payload, flushing whatever the previous one
// held, and a blank line flushes too. Other fields and comments are
// skipped. Framer never fails: any input yields zero or more payloads.
type Framer struct {
	partial []byte
	data    []byte
	hasData bool
}

// Feed consumes chunk and returns the payloads it completed.
func (f *Framer) Feed(chunk []byte) []string {
	var out []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			f.partial = append(f.partial, chunk...)
			break
		}
		var line []byte
		if len(f.partial) > 0 {
			f.partial = append(f.partial, chunk[:i]...)
			line = f.partial
		} else {
			line = chunk[:i]
		}
		chunk = chunk[i+1:]
		out = f.line(line, out)
		f.partial = f.partial[:0]
	}
	return out
}

// Close flushes a trailing unterminated line and any buffered payload.
func (f *Framer) Close() []string {
	var out []string
	if len(f.partial) > 0 {
		out = f.line(f.partial, out)
		f.partial = f.partial[:0]
	}
	return f.flush(out)
}

func (f *Framer) line(line []byte, out []string) []string {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 {
		return f.flush(out)
	}
	value, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return out
	}
	out = f.flush(out)
	value = bytes.TrimPrefix(value, []byte{' '})
	f.data = append(f.data[:0], value...)
	f.hasData = true
	return out
}

func (f *Framer) flush(out []string) []string {
	if !f.hasData {
		return out
	}
	if len(f.data) > 0 {
		out = append(out, string(f.data))
	}
	f.data = f.data[:0]
	f.hasData = false
	return out
}
