package bonus

import "testing"

func TestPercent(t *testing.T) {
	tests := []struct {
		name    string
		base    int64
		percent int64
		want    int64
	}{
		{name: "cashback example", base: 25660, percent: 3, want: 770},
		{name: "half rounds up", base: 50, percent: 1, want: 1},
		{name: "below half rounds down", base: 49, percent: 1, want: 0},
		{name: "zero percent", base: 1000, percent: 0, want: 0},
		{name: "zero base", base: 0, percent: 10, want: 0},
		{name: "reserve example", base: 100000, percent: 30, want: 30000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Percent(tt.base, tt.percent); got != tt.want {
				t.Fatalf("Percent(%d, %d) = %d, want %d", tt.base, tt.percent, got, tt.want)
			}
		})
	}
}

func TestProportional(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		part   int64
		whole  int64
		want   int64
	}{
		{name: "full", amount: 770, part: 27660, whole: 27660, want: 770},
		{name: "third", amount: 770, part: 1, whole: 3, want: 257},
		{name: "half rounds away from zero", amount: 5, part: 1, whole: 2, want: 3},
		{name: "negative keeps sign", amount: -5, part: 1, whole: 2, want: -3},
		{name: "zero whole", amount: 100, part: 1, whole: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Proportional(tt.amount, tt.part, tt.whole); got != tt.want {
				t.Fatalf("Proportional(%d, %d, %d) = %d, want %d", tt.amount, tt.part, tt.whole, got, tt.want)
			}
		})
	}
}

func TestSlotPrice(t *testing.T) {
	if got := SlotPrice(1000, 500, 1); got != 1500 {
		t.Fatalf("SlotPrice = %d, want 1500", got)
	}
	if got := SlotPrice(1000, 500, 0); got != 1000 {
		t.Fatalf("SlotPrice = %d, want 1000", got)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(25, 0, 20); got != 20 {
		t.Fatalf("Clamp = %d, want 20", got)
	}
	if got := Clamp(-1, 0, 20); got != 0 {
		t.Fatalf("Clamp = %d, want 0", got)
	}
	if got := Clamp(7, 0, 20); got != 7 {
		t.Fatalf("Clamp = %d, want 7", got)
	}
}
