package units

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals uint8
		want     int64
	}{
		{"whole", "100", 6, 100_000_000},
		{"fraction", "1.5", 6, 1_500_000},
		{"smallest unit", "0.000001", 6, 1},
		{"truncates extra digits", "1.1234569", 6, 1_123_456},
		{"leading dot", ".25", 6, 250_000},
		{"zero decimals token", "42.9", 0, 42},
		{"eighteen decimals", "0.5", 18, 500_000_000_000_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input, tt.decimals)
			require.NoError(t, err)
			assert.Equal(t, 0, big.NewInt(tt.want).Cmp(got), "got %s", got)
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"", "-1", "1.2.3", "abc", "1e6", "0x10"} {
		_, err := Parse(in, 6)
		assert.Error(t, err, "input %q", in)
	}
	_, err := Parse("-3", 6)
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestFormat(t *testing.T) {
	tests := []struct {
		amount   *big.Int
		decimals uint8
		want     string
	}{
		{nil, 6, "0"},
		{big.NewInt(0), 6, "0"},
		{big.NewInt(1), 6, "0.000001"},
		{big.NewInt(1_500_000), 6, "1.5"},
		{big.NewInt(100_000_000), 6, "100"},
		{big.NewInt(-2_250_000), 6, "-2.25"},
		{big.NewInt(42), 0, "42"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.amount, tt.decimals))
	}
}

func TestParseFormat_Roundtrip(t *testing.T) {
	for _, s := range []string{"0.000001", "1.5", "1234.56789", "1000000"} {
		v, err := Parse(s, 6)
		require.NoError(t, err)
		assert.Equal(t, s, Format(v, 6))
	}
}
