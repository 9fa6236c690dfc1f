// Package local provides the disk-backed BlobStore implementations.
package local

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/storage"
)

// blobMagic is the 4-byte header written in front of every stored blob.
// It identifies the content as a pending-state blob and encodes the format
// version.
var blobMagic = [4]byte{0x4F, 0x43, 0x50, 0x01} // "OCP\x01"

// envelopeOverhead is magic(4) + checksum(4).
const envelopeOverhead = 4 + 4

// seal wraps data as:
//
//	[magic:4][data:N][checksum:4]
//
// The checksum is CRC32 (IEEE) over data only.
func seal(data []byte) []byte {
	buf := make([]byte, 0, len(data)+envelopeOverhead)
	buf = append(buf, blobMagic[:]...)
	buf = append(buf, data...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(data))
}

// unseal verifies an envelope and returns the data it carries. The result
// aliases buf. On a checksum mismatch the data is still returned together
// with the error; a short buffer or bad magic returns no data.
func unseal(buf []byte) ([]byte, error) {
	if len(buf) < envelopeOverhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the envelope", storage.ErrCorrupted, len(buf))
	}
	if [4]byte(buf[:4]) != blobMagic {
		return nil, fmt.Errorf("%w: invalid magic header", storage.ErrCorrupted)
	}
	data := buf[4 : len(buf)-4]
	stored := binary.BigEndian.Uint32(buf[len(buf)-4:])
	if stored != crc32.ChecksumIEEE(data) {
		return data, fmt.Errorf("%w: checksum mismatch", storage.ErrCorrupted)
	}
	return data, nil
}

// deliver unseals buf and hands the data to fn. When only the checksum is
// wrong fn still sees the data, and the corruption is reported alongside
// whatever fn returned.
func deliver(buf []byte, prefix string, fn func(r io.Reader) error) error {
	data, sealErr := unseal(buf)
	if data == nil {
		return fmt.Errorf("%s: %w", prefix, sealErr)
	}
	err := fn(bytes.NewReader(data))
	if sealErr != nil {
		return errors.Join(fmt.Errorf("%s: %w", prefix, sealErr), err)
	}
	return err
}
