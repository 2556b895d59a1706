package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundMoney(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10", "10.00"},
		{"5.455", "5.46"},
		{"5.454", "5.45"},
		{"-5.455", "-5.46"},
		{"0.005", "0.01"},
		{"33.333333", "33.33"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := RoundMoney(decimal.RequireFromString(tt.in))
			assert.Equal(t, tt.want, FormatMoney(got))
		})
	}
}

func TestParseMoney(t *testing.T) {
	d, err := ParseMoney("12.345")
	require.NoError(t, err)
	assert.Equal(t, "12.35", FormatMoney(d))

	_, err = ParseMoney("twelve")
	assert.Error(t, err)
}

func TestSumSplits(t *testing.T) {
	splits := []ExpenseSplit{
		{UserID: "A", Amount: decimal.RequireFromString("40.00")},
		{UserID: "B", Amount: decimal.RequireFromString("30.00")},
		{UserID: "C", Amount: decimal.RequireFromString("30.00")},
	}
	assert.True(t, SumSplits(splits).Equal(decimal.NewFromInt(100)))
	assert.True(t, SumSplits(nil).IsZero())
}
