package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", DefaultLimit, false},
		{"0", DefaultLimit, false},
		{"-4", DefaultLimit, false},
		{"35", 35, false},
		{"1000", MaxLimit, false},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLimit(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCursor_EncodeDecode(t *testing.T) {
	c := Cursor{Bucket: 202610, State: []byte{0x00, 0xff, 0x10}}
	got, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, got)

	empty, err := DecodeCursor(Cursor{Bucket: 202609}.Encode())
	require.NoError(t, err)
	assert.Equal(t, 202609, empty.Bucket)
	assert.Nil(t, empty.State)
}

func TestDecodeCursor_Malformed(t *testing.T) {
	for _, token := range []string{"", "202610", "abc.AA", "0.AA", "202610.!!"} {
		_, err := DecodeCursor(token)
		assert.Error(t, err, token)
	}
}
