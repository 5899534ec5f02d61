package blob

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// partHandleHeader versions the part handle layout. Bump the suffix when the
// field layout changes so stale handles fail decode loudly.
const partHandleHeader = "snapbak-part01"

// PartHandle identifies one uploaded part of a multipart upload. Handles are
// produced when a part lands and presented back to the store on completion.
type PartHandle struct {
	ETag       string
	PartNumber int
	Length     int64
}

func (h *PartHandle) String() string {
	return fmt.Sprintf("part %d etag=%s len=%d", h.PartNumber, h.ETag, h.Length)
}

// EncodePartHandle serializes a part handle. Layout, big-endian:
//
//	u16 len | header
//	u32 part number
//	u64 length
//	u16 len | etag
//
// The etag must be non-blank and the length non-negative. Part numbers are
// 1-based by convention but not validated here.
func EncodePartHandle(etag string, partNumber int, length int64) ([]byte, error) {
	if strings.TrimSpace(etag) == "" {
		return nil, fmt.Errorf("encode part handle: blank etag: %w", ErrInvalidInput)
	}
	if length < 0 {
		return nil, fmt.Errorf("encode part handle: negative length %d: %w", length, ErrInvalidInput)
	}

	buf := make([]byte, 0, 2+len(partHandleHeader)+4+8+2+len(etag))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(partHandleHeader)))
	buf = append(buf, partHandleHeader...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(partNumber)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(length))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(etag)))
	buf = append(buf, etag...)
	return buf, nil
}

// DecodePartHandle parses an encoded part handle. Truncated payloads error
// with io.ErrUnexpectedEOF; payloads whose header does not match error with
// ErrCorruptHandle. Trailing bytes are ignored.
func DecodePartHandle(payload []byte) (*PartHandle, error) {
	r := bytes.NewReader(payload)

	header, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("decode part handle: read header: %w", err)
	}
	if header != partHandleHeader {
		return nil, fmt.Errorf("decode part handle: header %q does not match %q: %w",
			header, partHandleHeader, ErrCorruptHandle)
	}

	var partNumber int32
	if err := binary.Read(r, binary.BigEndian, &partNumber); err != nil {
		return nil, fmt.Errorf("decode part handle: read part number: %w", atEOF(err))
	}

	var rawLength uint64
	if err := binary.Read(r, binary.BigEndian, &rawLength); err != nil {
		return nil, fmt.Errorf("decode part handle: read length: %w", atEOF(err))
	}
	length := int64(rawLength)
	if length < 0 {
		return nil, fmt.Errorf("decode part handle: negative length %d: %w", length, ErrCorruptHandle)
	}

	etag, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("decode part handle: read etag: %w", err)
	}

	return &PartHandle{
		ETag:       etag,
		PartNumber: int(partNumber),
		Length:     length,
	}, nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", atEOF(err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", atEOF(err)
	}
	return string(b), nil
}

// atEOF folds io.EOF into io.ErrUnexpectedEOF: a handle that runs out mid
// record is truncated either way.
func atEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
