package cooldown

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"remindbot/internal/storage"
)

// Invocation is how the user triggered the activity; events reduce slash and
// message invocations by different amounts.
type Invocation int

const (
	Slash Invocation = iota
	Mention
)

// DonorTier shortens donor-affected cooldowns.
type DonorTier int

const (
	DonorNone DonorTier = iota
	DonorTier1
	DonorTier2
	DonorTier3
)

// donorPercent is the share of the base cooldown each tier keeps.
var donorPercent = [...]int64{
	DonorNone:  100,
	DonorTier1: 90,
	DonorTier2: 80,
	DonorTier3: 65,
}

// Percent returns the share of the base cooldown kept by this tier.
func (t DonorTier) Percent() int64 {
	if t < 0 || int(t) >= len(donorPercent) {
		return 100
	}
	return donorPercent[t]
}

// ActualSeconds returns ceil(base * (100 - reductionPercent) / 100). The
// percent is taken at its decimal value ("12.345" stays 12.345, not the
// nearest binary float) and clamped to 0..100.
func ActualSeconds(base int64, reductionPercent float64) int64 {
	if base <= 0 {
		return 0
	}
	if math.IsNaN(reductionPercent) || reductionPercent < 0 {
		reductionPercent = 0
	}
	if reductionPercent > 100 {
		reductionPercent = 100
	}
	keep := decimal.NewFromInt(100).Sub(decimal.NewFromFloat(reductionPercent))
	return decimal.NewFromInt(base).Mul(keep).Shift(-2).Ceil().IntPart()
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Source looks up cooldown definitions.
type Source interface {
	GetCooldown(ctx context.Context, activity string) (storage.Cooldown, error)
}

type Options struct {
	Invocation Invocation
	DonorTier  DonorTier
}

// Calculator turns cooldown definitions into actual wait times.
type Calculator struct {
	src Source
}

func NewCalculator(src Source) *Calculator {
	return &Calculator{src: src}
}

// Seconds returns the effective cooldown of an activity in whole seconds.
// It fails with storage.ErrNotFound when the activity has no cooldown record.
func (c *Calculator) Seconds(ctx context.Context, a Activity, opt Options) (int64, error) {
	if !a.HasCooldown() {
		return 0, fmt.Errorf("activity %s: %w", a, storage.ErrNotFound)
	}
	cd, err := c.src.GetCooldown(ctx, a.String())
	if err != nil {
		return 0, fmt.Errorf("cooldown for %s: %w", a, err)
	}

	base := cd.BaseSeconds
	if cd.DonorAffected {
		base = ceilDiv(base*opt.DonorTier.Percent(), 100)
	}

	reduction := cd.EventReductionSlash
	if opt.Invocation == Mention {
		reduction = cd.EventReductionMention
	}
	return ActualSeconds(base, reduction), nil
}

// Duration is Seconds as a time.Duration.
func (c *Calculator) Duration(ctx context.Context, a Activity, opt Options) (time.Duration, error) {
	s, err := c.Seconds(ctx, a, opt)
	if err != nil {
		return 0, err
	}
	return time.Duration(s) * time.Second, nil
}

// Writer persists cooldown definitions.
type Writer interface {
	UpsertCooldown(ctx context.Context, c storage.Cooldown) error
}

// Seed validates and stores cooldown definitions. Unknown activities are
// rejected before anything is written.
func Seed(ctx context.Context, w Writer, defs []storage.Cooldown) error {
	var errs []error
	for _, d := range defs {
		a, err := ParseActivity(d.Activity)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !a.HasCooldown() {
			errs = append(errs, fmt.Errorf("activity %s has no cooldown", a))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	for _, d := range defs {
		a, _ := ParseActivity(d.Activity)
		d.Activity = a.String()
		if err := w.UpsertCooldown(ctx, d); err != nil {
			return fmt.Errorf("seed %s: %w", d.Activity, err)
		}
	}
	return nil
}
