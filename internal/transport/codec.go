package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	headerSize = 5
	maxPayload = 64 << 20

	statusOK    byte = 0
	statusError byte = 1
)

// writeFrame writes [1B tag][4B big-endian length][payload]. Requests carry
// the message type in the tag, responses the status.
func writeFrame(w io.Writer, tag byte, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("payload exceeds %d bytes", maxPayload)
	}
	var hdr [headerSize]byte
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[1:])
	if size > maxPayload {
		return 0, nil, fmt.Errorf("payload too large: %d", size)
	}
	if size == 0 {
		return hdr[0], nil, nil
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload: %w", err)
	}
	return hdr[0], payload, nil
}
