package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr error
	}{
		{"100.00", 10000, nil},
		{"40", 4000, nil},
		{"0.5", 50, nil},
		{"0.01", 1, nil},
		{" 25.00 ", 2500, nil},
		{"1.230", 123, nil},
		{"0", 0, nil},
		{"1.234", 0, ErrTooPrecise},
		{"-1.00", 0, ErrInvalidAmount},
		{"abc", 0, ErrInvalidAmount},
		{"", 0, ErrInvalidAmount},
		{"1e30", 0, ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePositive_RejectsZero(t *testing.T) {
	_, err := ParsePositive("0.00")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "100.00", Format(10000))
	assert.Equal(t, "0.05", Format(5))
	assert.Equal(t, "-25.00", Format(-2500))
	assert.Equal(t, "0.00", Format(0))
}

func TestFee(t *testing.T) {
	assert.Equal(t, int64(0), Fee(4000, 0))
	assert.Equal(t, int64(200), Fee(4000, 500)) // 5%
	assert.Equal(t, int64(0), Fee(1, 250))      // rounds down
	assert.Equal(t, int64(2), Fee(99, 250))
}
