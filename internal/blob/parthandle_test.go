package blob

import (
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartHandle_EncodeDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		name       string
		etag       string
		partNumber int
		length     int64
	}{
		{"small", "abc123", 1, 1024},
		{"quoted-style-etag", "d41d8cd98f00b204e9800998ecf8427e", 42, 5 * 1024 * 1024},
		{"length-beyond-32-bits", "bigpart", 7, 1 + int64(math.MaxInt32)},
		{"zero-length", "empty", 1, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			payload, err := EncodePartHandle(c.etag, c.partNumber, c.length)
			require.NoError(t, err)

			handle, err := DecodePartHandle(payload)
			require.NoError(t, err)
			assert.Equal(t, c.etag, handle.ETag)
			assert.Equal(t, c.partNumber, handle.PartNumber)
			assert.Equal(t, c.length, handle.Length)
		})
	}
}

func TestPartHandle_Encode_RejectsBlankETag(t *testing.T) {
	_, err := EncodePartHandle("", 1, 10)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = EncodePartHandle("   ", 1, 10)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestPartHandle_Encode_RejectsNegativeLength(t *testing.T) {
	_, err := EncodePartHandle("etag", 1, -1)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestPartHandle_Decode_EmptyPayload(t *testing.T) {
	_, err := DecodePartHandle(nil)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = DecodePartHandle([]byte{})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPartHandle_Decode_TruncatedPayload(t *testing.T) {
	payload, err := EncodePartHandle("etag", 3, 100)
	require.NoError(t, err)

	// Chop at every boundary-ish point; all must fail as truncation, never
	// succeed or panic.
	for cut := 1; cut < len(payload); cut++ {
		_, err := DecodePartHandle(payload[:cut])
		require.Error(t, err, "cut at %d", cut)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "cut at %d", cut)
	}
}

func TestPartHandle_Decode_CorruptHeader(t *testing.T) {
	payload, err := EncodePartHandle("etag", 3, 100)
	require.NoError(t, err)

	// First header byte sits after the u16 length prefix.
	payload[2] ^= 0xFF

	_, err = DecodePartHandle(payload)
	require.ErrorIs(t, err, ErrCorruptHandle)
	assert.Contains(t, err.Error(), "header")
}

func TestPartHandle_Decode_NegativeLength(t *testing.T) {
	payload, err := EncodePartHandle("etag", 3, 100)
	require.NoError(t, err)

	// The u64 length field follows the header record and the u32 part number.
	lengthOffset := 2 + len("snapbak-part01") + 4
	payload[lengthOffset] = 0x80 // sign bit set

	_, err = DecodePartHandle(payload)
	require.ErrorIs(t, err, ErrCorruptHandle)
}

func TestPartHandle_Decode_IgnoresTrailingBytes(t *testing.T) {
	payload, err := EncodePartHandle("etag", 3, 100)
	require.NoError(t, err)
	payload = append(payload, 0xDE, 0xAD)

	handle, err := DecodePartHandle(payload)
	require.NoError(t, err)
	assert.Equal(t, "etag", handle.ETag)
}
