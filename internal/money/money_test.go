package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyBasisPoints(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		bps      int64
		expected int64
	}{
		{"15 percent of $100.00", 10000, 1500, 1500},
		{"100 percent", 10000, 10000, 10000},
		{"zero bps", 10000, 0, 0},
		{"zero amount", 0, 1500, 0},
		{"rounds half up", 333, 1500, 50},   // 49.95 -> 50
		{"rounds down below half", 100, 49, 0}, // 0.49 -> 0
		{"rounds up at half", 100, 50, 1},      // 0.50 -> 1
		{"one cent at 1 bps", 10000, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyBasisPoints(tt.amount, tt.bps)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("rejects negative inputs", func(t *testing.T) {
		_, err := ApplyBasisPoints(-100, 1500)
		assert.ErrorIs(t, err, ErrAmountOutOfRange)

		_, err = ApplyBasisPoints(100, -1)
		assert.ErrorIs(t, err, ErrAmountOutOfRange)
	})

	t.Run("rejects amounts whose product overflows", func(t *testing.T) {
		_, err := ApplyBasisPoints(math.MaxInt64/100, 1500)
		assert.ErrorIs(t, err, ErrAmountOutOfRange)
	})

	t.Run("largest safe amount still computes", func(t *testing.T) {
		safe := (math.MaxInt64 - 5000) / int64(1500)
		got, err := ApplyBasisPoints(safe, 1500)
		assert.NoError(t, err)
		assert.Positive(t, got)
	})
}

func TestApplyMarkup(t *testing.T) {
	cases := []struct {
		amount, bps, expected int64
	}{
		{10000, 1500, 11500},
		{10000, 0, 10000},
		{10000, 10000, 20000},
	}
	for _, c := range cases {
		got, err := ApplyMarkup(c.amount, c.bps)
		assert.NoError(t, err)
		assert.Equal(t, c.expected, got)
	}

	_, err := ApplyMarkup(math.MaxInt64/100, 1500)
	assert.ErrorIs(t, err, ErrAmountOutOfRange)
}

func TestSplit(t *testing.T) {
	t.Run("remainder goes to first shares", func(t *testing.T) {
		assert.Equal(t, []int64{334, 333, 333}, Split(1000, 3))
	})

	t.Run("even split", func(t *testing.T) {
		assert.Equal(t, []int64{500, 500}, Split(1000, 2))
	})

	t.Run("parts always sum to input", func(t *testing.T) {
		for _, amount := range []int64{0, 1, 7, 99, 1000, 123457} {
			for n := 1; n <= 7; n++ {
				parts := Split(amount, n)
				assert.Len(t, parts, n)
				assert.Equal(t, amount, Sum(parts...))
			}
		}
	})

	t.Run("invalid share count", func(t *testing.T) {
		assert.Nil(t, Split(1000, 0))
		assert.Nil(t, Split(1000, -1))
	})
}

func TestParseMinorUnits(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"123.45", 12345},
		{"0.05", 5},
		{"100", 10000},
		{"7.5", 750},
		{"-12.34", -1234},
		{" 10.00 ", 1000},
		{".99", 99},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMinorUnits(tt.input)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	invalid := []string{"", "1.2.3", "12a.50", "12.5x", "--5", ".", "1.234"}
	for _, input := range invalid {
		t.Run("rejects "+input, func(t *testing.T) {
			_, err := ParseMinorUnits(input)
			assert.Error(t, err)
			var parseErr *ParseError
			assert.ErrorAs(t, err, &parseErr)
		})
	}
}

func TestParseAmount(t *testing.T) {
	got, err := ParseAmount("12345")
	assert.NoError(t, err)
	assert.Equal(t, int64(12345), got)

	got, err = ParseAmount("-200")
	assert.NoError(t, err)
	assert.Equal(t, int64(-200), got)

	for _, input := range []string{"", "12.45", "1e5", "abc", "-"} {
		_, err := ParseAmount(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestMinMaxSum(t *testing.T) {
	assert.Equal(t, int64(2), Min(2, 5))
	assert.Equal(t, int64(5), Max(2, 5))
	assert.Equal(t, int64(0), Sum())
	assert.Equal(t, int64(6), Sum(1, 2, 3))
}
