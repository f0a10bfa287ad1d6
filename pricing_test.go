package x402gate

import (
	"math/big"
	"testing"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "0.01", want: "0.01"},
		{input: "$0.01", want: "0.01"},
		{input: " $1.50 ", want: "1.5"},
		{input: "1", want: "1"},
		{input: ".5", want: "0.5"},
		{input: "0", want: "0"},
		{input: "$0", want: "0"},
		{input: "0.020000", want: "0.02"},
		{input: "-0.01", wantErr: true},
		{input: "$-1", wantErr: true},
		{input: "", wantErr: true},
		{input: "$", wantErr: true},
		{input: "a dollar", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMoney(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMoney(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseMoney(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestMoneyToAtomic(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{amount: "0.01", decimals: 6, want: "10000"},
		{amount: "$0.01", decimals: 6, want: "10000"},
		{amount: "1", decimals: 6, want: "1000000"},
		{amount: "0", decimals: 6, want: "0"},
		{amount: "0.000001", decimals: 6, want: "1"},
		{amount: "0.0000001", decimals: 6, wantErr: true},
		{amount: "-1", decimals: 6, wantErr: true},
		{amount: "junk", decimals: 6, wantErr: true},
		{amount: "1", decimals: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := MoneyToAtomic(tt.amount, tt.decimals)
			if (err != nil) != tt.wantErr {
				t.Fatalf("MoneyToAtomic(%q, %d) error = %v, wantErr %v", tt.amount, tt.decimals, err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("MoneyToAtomic(%q, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestAtomicToMoney(t *testing.T) {
	tests := []struct {
		value    int64
		decimals int
		want     string
	}{
		{value: 10000, decimals: 6, want: "0.01"},
		{value: 1000000, decimals: 6, want: "1"},
		{value: 0, decimals: 6, want: "0"},
		{value: 1, decimals: 6, want: "0.000001"},
	}

	for _, tt := range tests {
		got := AtomicToMoney(big.NewInt(tt.value), tt.decimals)
		if got != tt.want {
			t.Errorf("AtomicToMoney(%d, %d) = %q, want %q", tt.value, tt.decimals, got, tt.want)
		}
	}

	if got := AtomicToMoney(nil, 6); got != "0" {
		t.Errorf("AtomicToMoney(nil) = %q, want 0", got)
	}
}

func TestAddMoney(t *testing.T) {
	got, err := AddMoney("$0.01", "0.02")
	if err != nil {
		t.Fatalf("AddMoney failed: %v", err)
	}
	if got != "0.03" {
		t.Errorf("AddMoney = %q, want 0.03", got)
	}

	if _, err := AddMoney("1", "-1"); err == nil {
		t.Error("expected error for negative amount")
	}
}

func TestMoneyRoundTrip(t *testing.T) {
	atomic, err := MoneyToAtomic("12.34", 6)
	if err != nil {
		t.Fatalf("MoneyToAtomic failed: %v", err)
	}
	if back := AtomicToMoney(atomic, 6); back != "12.34" {
		t.Errorf("round trip = %q, want 12.34", back)
	}
}
