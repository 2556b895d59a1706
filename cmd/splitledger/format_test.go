package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"FROM", "TO", "AMOUNT"}, [][]string{
		{"bob", "alice", "15.00"},
		{"charlotte", "dan", "4.50"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "FROM       TO     AMOUNT", lines[0])
	assert.Equal(t, "bob        alice  15.00", lines[1])
	assert.Equal(t, "charlotte  dan    4.50", lines[2])
}

func TestFormatSigned(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"12.5", "+12.50"},
		{"-3", "-3.00"},
		{"0", "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSigned(decimal.RequireFromString(tt.in)))
		})
	}
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "42s", formatAge(42*time.Second))
	assert.Equal(t, "3m", formatAge(3*time.Minute+10*time.Second))
	assert.Equal(t, "2h5m", formatAge(2*time.Hour+5*time.Minute))
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, printJSON(&buf, map[string]int{"applied": 2}))
	assert.Equal(t, "{\n  \"applied\": 2\n}\n", buf.String())
}
