package baresip

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// maxFrame bounds a single ctrl_tcp message.
const maxFrame = 1 << 20

var ErrBadFrame = errors.New("baresip: malformed netstring")

// encodeFrame writes data as <length>:<data>,
func encodeFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 0, len(data)+12)
	buf = strconv.AppendInt(buf, int64(len(data)), 10)
	buf = append(buf, ':')
	buf = append(buf, data...)
	buf = append(buf, ',')
	_, err := w.Write(buf)
	return err
}

type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// next returns the payload of the next netstring. Junk before a length prefix is skipped.
func (f *frameReader) next() ([]byte, error) {
	for {
		n, err := f.length()
		if errors.Is(err, ErrBadFrame) {
			continue
		}
		if err != nil {
			return nil, err
		}

		payload := make([]byte, n+1)
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return nil, err
		}
		if payload[n] != ',' {
			return nil, fmt.Errorf("%w: missing trailing comma", ErrBadFrame)
		}
		return payload[:n], nil
	}
}

func (f *frameReader) length() (int, error) {
	n, digits := 0, 0
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch {
		case b >= '0' && b <= '9':
			n = n*10 + int(b-'0')
			digits++
			if n > maxFrame {
				return 0, fmt.Errorf("%w: frame of %d bytes", ErrBadFrame, n)
			}
		case b == ':' && digits > 0:
			return n, nil
		default:
			return 0, ErrBadFrame
		}
	}
}
