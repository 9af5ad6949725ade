package helpers

import (
	"io"
)

// WriteAll either writes whole b or returns error.
// Writer making no progress without error is reported as io.ErrShortWrite.
func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == len(b) {
			return nil
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// ReadExact fills whole buf, looping over short reads.
// Stream ended before len(buf) bytes is io.ErrUnexpectedEOF, even when nothing was read.
// Returns number of bytes actually read.
func ReadExact(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if total == len(buf) {
			return total, nil
		}
		switch err {
		case nil:
		case io.EOF:
			return total, io.ErrUnexpectedEOF
		default:
			return total, err
		}
	}
	return total, nil
}
