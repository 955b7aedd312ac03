package size

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes_DecimalAndShortUnits(t *testing.T) {
	cases := map[string]int64{
		"1.5MB":  1_572_864,
		"1M":     1_048_576,
		"100k":   102_400,
		"500B":   500,
		"500":    500,
		"1.5 MB": 1_572_864,
		"2GiB":   2 * 1024 * 1024 * 1024,
	}
	for input, want := range cases {
		got, err := ParseBytes(input)
		require.NoError(t, err, input)
		require.NotNil(t, got, input)
		assert.Equal(t, want, *got, input)
	}
}

func TestParseBytes_Unlimited(t *testing.T) {
	got, err := ParseBytes("unlimited")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = ParseBytes("UNLIMITED")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseBytes_Invalid(t *testing.T) {
	for _, input := range []string{"", "abc", "1xb", "-5KB", "1.5TB"} {
		_, err := ParseBytes(input)
		assert.Error(t, err, input)
	}
}
