package cooldown

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"remindbot/internal/storage"
)

type memSource map[string]storage.Cooldown

func (m memSource) GetCooldown(_ context.Context, activity string) (storage.Cooldown, error) {
	c, ok := m[activity]
	if !ok {
		return storage.Cooldown{}, fmt.Errorf("cooldown %q: %w", activity, storage.ErrNotFound)
	}
	return c, nil
}

func (m memSource) UpsertCooldown(_ context.Context, c storage.Cooldown) error {
	m[c.Activity] = c
	return nil
}

func TestActualSeconds(t *testing.T) {
	cases := []struct {
		base int64
		pct  float64
		want int64
	}{
		{600, 25, 450},
		{601, 25, 451},
		{600, 0, 600},
		{600, 100, 0},
		{600, -5, 600},
		{600, 150, 0},
		{100, 33.33, 67},
		{1000, 0.3, 997},
		{100000, 12.345, 87655},
		{100000, 12.3456, 87655},
		{1000000, 12.3456, 876544},
		{3, 33.333333, 3},
		{1, 50, 1},
		{0, 10, 0},
	}
	for _, tc := range cases {
		if got := ActualSeconds(tc.base, tc.pct); got != tc.want {
			t.Fatalf("ActualSeconds(%d, %v) = %d, want %d", tc.base, tc.pct, got, tc.want)
		}
	}
}

func TestCalculatorSeconds(t *testing.T) {
	src := memSource{
		"hunt":  {Activity: "hunt", BaseSeconds: 60, DonorAffected: true, EventReductionSlash: 50, EventReductionMention: 25},
		"daily": {Activity: "daily", BaseSeconds: 86400, EventReductionSlash: 10},
	}
	calc := NewCalculator(src)
	ctx := context.Background()

	cases := []struct {
		name string
		a    Activity
		opt  Options
		want int64
	}{
		{"slash no donor", Hunt, Options{Invocation: Slash}, 30},
		{"mention no donor", Hunt, Options{Invocation: Mention}, 45},
		{"tier3 slash", Hunt, Options{Invocation: Slash, DonorTier: DonorTier3}, 20}, // 60*0.65=39 -> 19.5 -> 20
		{"tier1 mention", Hunt, Options{Invocation: Mention, DonorTier: DonorTier1}, 41}, // 54 -> 40.5 -> 41
		{"donor ignored", Daily, Options{DonorTier: DonorTier3}, 77760},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := calc.Seconds(ctx, tc.a, tc.opt)
			if err != nil {
				t.Fatalf("Seconds: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}

	d, err := calc.Duration(ctx, Hunt, Options{})
	if err != nil || d != 30*time.Second {
		t.Fatalf("Duration = %v, %v", d, err)
	}
}

func TestCalculatorNotFound(t *testing.T) {
	calc := NewCalculator(memSource{})
	if _, err := calc.Seconds(context.Background(), Work, Options{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := calc.Seconds(context.Background(), Custom, Options{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("custom err = %v, want ErrNotFound", err)
	}
}

func TestParseActivity(t *testing.T) {
	for _, a := range All() {
		got, err := ParseActivity(a.String())
		if err != nil || got != a {
			t.Fatalf("round trip %v: got %v, %v", a, got, err)
		}
	}
	if a, _ := ParseActivity(" HUNT "); a != Hunt {
		t.Fatalf("case-insensitive parse failed: %v", a)
	}
	if _, err := ParseActivity("teleport"); err == nil {
		t.Fatalf("expected error")
	}
	if Raid.Kind() != storage.KindGroup || Raid.Coalesces() {
		t.Fatalf("raid must be a non-coalescing group activity")
	}
}

func TestSeed(t *testing.T) {
	src := memSource{}
	err := Seed(context.Background(), src, []storage.Cooldown{{Activity: "Hunt", BaseSeconds: 60}})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if _, ok := src["hunt"]; !ok {
		t.Fatalf("seed did not normalize name: %v", src)
	}
	if err := Seed(context.Background(), src, []storage.Cooldown{{Activity: "nope"}}); err == nil {
		t.Fatalf("expected error for unknown activity")
	}
}
