package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderLen is the size of the big-endian length prefix.
	HeaderLen = 4

	// MaxFrameBytes caps a single frame payload (50 MiB).
	MaxFrameBytes = 50 * 1024 * 1024
)

var (
	// ErrProtocol marks framing failures. A connection that hits one is
	// aborted without a structured response.
	ErrProtocol = errors.New("protocol error")

	ErrInvalidLength = fmt.Errorf("%w: frame length must be positive", ErrProtocol)
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds %d bytes", ErrProtocol, MaxFrameBytes)
)

// ReadFrame reads one length-prefixed frame from r and returns its payload.
//
// A declared length of zero or above MaxFrameBytes is rejected before any
// payload byte is read. A stream that ends before the header or the payload
// is complete yields io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, endOfStream(err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if err := checkLength(uint64(n)); err != nil {
		return nil, err
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, endOfStream(err)
	}
	return payload, nil
}

// WriteFrame writes payload with its length prefix in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if err := checkLength(uint64(len(payload))); err != nil {
		return err
	}

	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func checkLength(n uint64) error {
	if n == 0 {
		return ErrInvalidLength
	}
	if n > MaxFrameBytes {
		return fmt.Errorf("%w (declared %d)", ErrFrameTooLarge, n)
	}
	return nil
}

// endOfStream folds short reads into io.EOF; the peer went away mid-frame.
func endOfStream(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
