package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestAppend_OmitsZeroValues(t *testing.T) {
	var b []byte
	b = AppendUint(b, 1, 0)
	b = AppendBytes(b, 2, nil)
	b = AppendString(b, 3, "")
	assert.Empty(t, b)

	// An empty embedded message is still written.
	b = AppendMessage(b, 4, nil)
	assert.Equal(t, []byte{0x22, 0x00}, b)
}

func TestWalk_VisitsFieldsInOrder(t *testing.T) {
	var b []byte
	b = AppendUint(b, 1, 300)
	b = AppendString(b, 2, "hi")
	b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = AppendBytes(b, 4, []byte{1, 2})

	var nums []protowire.Number
	err := Walk(b, func(f Field) error {
		nums = append(nums, f.Num)
		switch f.Num {
		case 1:
			v, err := f.Uint()
			require.NoError(t, err)
			assert.Equal(t, uint64(300), v)
		case 2:
			raw, err := f.Raw()
			require.NoError(t, err)
			assert.Equal(t, "hi", string(raw))
		}
		return nil
	})
	require.NoError(t, err)
	// Fixed32 fields are skipped.
	assert.Equal(t, []protowire.Number{1, 2, 4}, nums)
}

func TestWalk_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"truncated tag", []byte{0x80}},
		{"truncated varint", []byte{0x08, 0x80}},
		{"length past end", []byte{0x12, 0x05, 'a'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Walk(tt.in, func(Field) error { return nil })
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestField_TypeMismatch(t *testing.T) {
	b := AppendString(nil, 1, "x")
	err := Walk(b, func(f Field) error {
		_, err := f.Uint()
		return err
	})
	assert.ErrorIs(t, err, ErrMalformed)

	b = AppendUint(nil, 1, 1)
	err = Walk(b, func(f Field) error {
		_, err := f.Raw()
		return err
	})
	assert.ErrorIs(t, err, ErrMalformed)
}
