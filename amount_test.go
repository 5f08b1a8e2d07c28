package x402

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToAtomic(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		unit   AmountUnit
		want   uint64
	}{
		{"heuristic above threshold is atomic", "1500000", UnitUnspecified, 1_500_000},
		{"heuristic threshold itself is whole", "1000", UnitUnspecified, 1000 * LamportsPerSOL},
		{"heuristic small integer is whole", "1", UnitUnspecified, LamportsPerSOL},
		{"heuristic fraction is whole", "0.05", UnitUnspecified, 50_000_000},
		{"explicit atomic small value", "500", UnitAtomic, 500},
		{"explicit whole large value", "2000", UnitWhole, 2000 * LamportsPerSOL},
		{"whole rounds down", "0.0000000015", UnitWhole, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToAtomic(tt.amount, tt.unit, SolanaDecimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToAtomicErrors(t *testing.T) {
	for _, amount := range []string{"", "abc", "-5", "99999999999999999999999"} {
		_, err := ToAtomic(amount, UnitAtomic, SolanaDecimals)
		assert.ErrorIs(t, err, ErrInvalidRequirement, "amount %q", amount)
	}

	_, err := ToAtomic("1.5", UnitAtomic, SolanaDecimals)
	assert.ErrorIs(t, err, ErrInvalidRequirement)
}

func TestWholeToAtomic(t *testing.T) {
	assert.Equal(t, uint64(100_000_000), WholeToAtomic(0.1, SolanaDecimals))
	assert.Equal(t, uint64(300_000_000), WholeToAtomic(0.3, SolanaDecimals))
	assert.Equal(t, uint64(0), WholeToAtomic(-1, SolanaDecimals))
}

func TestFormatAtomic(t *testing.T) {
	assert.Equal(t, "0.0015", FormatAtomic(1_500_000, SolanaDecimals))
	assert.Equal(t, "2", FormatAtomic(2*LamportsPerSOL, SolanaDecimals))
}

func TestParseAmountUnit(t *testing.T) {
	u, ok := ParseAmountUnit("Lamports")
	assert.True(t, ok)
	assert.Equal(t, UnitAtomic, u)

	u, ok = ParseAmountUnit("SOL")
	assert.True(t, ok)
	assert.Equal(t, UnitWhole, u)

	_, ok = ParseAmountUnit("beans")
	assert.False(t, ok)
}
