package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/opd-ai/unet/bitstream"
	"github.com/opd-ai/unet/limits"
	"github.com/opd-ai/unet/protocol"
)

func TestHeader_Layout(t *testing.T) {
	buf := make([]byte, HeaderSize)
	w := bitstream.New(buf)
	PackHeader(w, Header{Sequence: 0x01020304, Ack: 5, AckBits: 0xffffffff})
	require.NoError(t, w.Err())
	assert.Equal(t, []byte{
		0xa2, 0x01, 0x05,
		0x01, 0x02, 0x03, 0x04,
		0x00, 0x00, 0x00, 0x05,
		0xff, 0xff, 0xff, 0xff,
	}, buf)
}

func TestUnpackHeader_RejectsOtherTypes(t *testing.T) {
	buf := make([]byte, HeaderSize)
	w := bitstream.New(buf)
	protocol.PackHeader(w, protocol.NewHeader(protocol.TypeTransaction))

	_, result := UnpackHeader(bitstream.New(buf))
	assert.Equal(t, protocol.UnpackInvalid, result)

	_, result = UnpackHeader(bitstream.New(buf[:HeaderSize-1]))
	assert.Equal(t, protocol.UnpackInvalid, result)
}

func TestUnpackData_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short length", []byte{0x00}},
		{"length past end", []byte{0x00, 0x03, 0x01}},
		{"length over limit", []byte{0x00, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, result := UnpackData(bitstream.New(tt.data))
			assert.Equal(t, protocol.UnpackInvalid, result)
		})
	}
}

func TestObject_Write(t *testing.T) {
	o := NewObject()
	n, err := o.Write(make([]byte, limits.MaxStreamObject))
	require.NoError(t, err)
	assert.Equal(t, limits.MaxStreamObject, n)

	_, err = o.Write([]byte{1})
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)

	o.reset()
	assert.Empty(t, o.Bytes())
}

func TestStreamPacket_FitsBuffer(t *testing.T) {
	buf := make([]byte, limits.MaxPacketLen)
	w := bitstream.New(buf)
	PackHeader(w, Header{})
	PackData(w, make([]byte, limits.MaxStreamObject))
	require.NoError(t, w.Err())
	assert.LessOrEqual(t, w.Offset(), limits.MaxPacketLen)
}

func TestStreamPacket_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := Header{
			Sequence: rapid.Uint32().Draw(t, "sequence"),
			Ack:      rapid.Uint32().Draw(t, "ack"),
			AckBits:  rapid.Uint32().Draw(t, "bits"),
		}
		data := rapid.SliceOfN(rapid.Byte(), 0, limits.MaxStreamObject).Draw(t, "data")

		buf := make([]byte, limits.MaxPacketLen)
		w := bitstream.New(buf)
		PackHeader(w, h)
		PackData(w, data)
		if w.Err() != nil {
			t.Fatalf("pack: %v", w.Err())
		}

		r := bitstream.New(w.Bytes())
		got, result := UnpackHeader(r)
		if result != protocol.UnpackValid || got != h {
			t.Fatalf("header %v %+v, want %+v", result, got, h)
		}
		body, result := UnpackData(r)
		if result != protocol.UnpackValid || string(body) != string(data) {
			t.Fatalf("data %v %x, want %x", result, body, data)
		}
	})
}
