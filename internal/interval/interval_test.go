package interval

import (
	"testing"
	"time"
)

func TestNewValidatesBounds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		min     time.Duration
		max     time.Duration
		wantErr bool
	}{
		{name: "ok", min: time.Second, max: 2 * time.Second},
		{name: "equal bounds ok", min: time.Minute, max: time.Minute},
		{name: "min above max", min: 2 * time.Second, max: time.Second, wantErr: true},
		{name: "zero min", min: 0, max: time.Second, wantErr: true},
		{name: "negative min", min: -time.Second, max: time.Second, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.min, tt.max)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%v, %v) error = %v, wantErr %v", tt.min, tt.max, err, tt.wantErr)
			}
		})
	}
}

func TestNextStaysInBounds(t *testing.T) {
	t.Parallel()
	min, max := 10*time.Second, 90*time.Second
	g, err := New(min, max)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5000; i++ {
		v := g.Next()
		if v < min || v > max {
			t.Fatalf("Next() = %v, outside [%v, %v]", v, min, max)
		}
	}
}

func TestNextDegenerateRange(t *testing.T) {
	t.Parallel()
	g, err := New(time.Minute, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if v := g.Next(); v != time.Minute {
			t.Fatalf("Next() = %v, want fixed %v", v, time.Minute)
		}
	}
}

// Values should cover the whole range, not cluster in a narrow sub-band.
// With 4000 draws over 8 equal buckets a uniform source leaves no bucket
// empty (probability of an empty bucket is astronomically small).
func TestNextSpread(t *testing.T) {
	t.Parallel()
	min, max := time.Hour, 9*time.Hour
	g, err := New(min, max)
	if err != nil {
		t.Fatal(err)
	}

	const draws = 4000
	const buckets = 8
	span := max - min
	var counts [buckets]int
	for i := 0; i < draws; i++ {
		v := g.Next()
		idx := int((v - min) * buckets / (span + 1))
		if idx < 0 || idx >= buckets {
			t.Fatalf("draw %v maps to bucket %d", v, idx)
		}
		counts[idx]++
	}
	for i, c := range counts {
		if c == 0 {
			t.Fatalf("bucket %d empty after %d draws: %v", i, draws, counts)
		}
	}
}
