package rendezvous

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ChannelID names a parked client for the lifetime of its pool entry.
type ChannelID uint32

func (id ChannelID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

const (
	StatusNotFound byte = 0x00
	StatusAttached byte = 0x01
)

var (
	// ErrNotFound reports that no unclaimed channel exists for an id.
	ErrNotFound = errors.New("rendezvous: channel not found")
	// ErrProtocol reports a malformed rendezvous frame.
	ErrProtocol = errors.New("rendezvous: protocol error")
	// ErrDuplicate reports an attempt to park a second connection under an
	// id that is still in the pool.
	ErrDuplicate = errors.New("rendezvous: duplicate channel id")
)

func WriteChannelID(w io.Writer, id ChannelID) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	_, err := w.Write(b[:])
	return err
}

// ReadChannelID reads one id. A clean EOF before the first byte is returned
// as io.EOF; a partial id is ErrProtocol.
func ReadChannelID(r io.Reader) (ChannelID, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("%w: short channel id", ErrProtocol)
		}
		return 0, err
	}
	return ChannelID(binary.BigEndian.Uint32(b[:])), nil
}

func writeStatus(w io.Writer, status byte) error {
	_, err := w.Write([]byte{status})
	return err
}

func readStatus(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: no status", ErrProtocol)
		}
		return 0, err
	}
	return b[0], nil
}
