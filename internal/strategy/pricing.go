package strategy

import (
	"math"
	"time"

	"github.com/optionpilot/trading-backend/pkg/types"
)

// normCDF is the standard normal cumulative distribution.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// Delta returns the Black-Scholes delta of a European option. Puts are
// negative. With no volatility or time left the option is valued at intrinsic.
func Delta(t types.SpreadType, spot, strike, vol, years, rate float64) float64 {
	if spot <= 0 || strike <= 0 {
		return 0
	}
	if vol <= 0 || years <= 0 {
		switch {
		case t == types.SpreadTypePut && strike > spot:
			return -1
		case t == types.SpreadTypeCall && spot > strike:
			return 1
		}
		return 0
	}

	d1 := (math.Log(spot/strike) + (rate+0.5*vol*vol)*years) / (vol * math.Sqrt(years))
	if t == types.SpreadTypeCall {
		return normCDF(d1)
	}
	return normCDF(d1) - 1
}

// NextExpiration returns the first Friday at least minDays calendar days
// after now, as a UTC date.
func NextExpiration(now time.Time, minDays int) time.Time {
	d := truncateDay(now).AddDate(0, 0, minDays)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// DaysToExpiration counts calendar days from now's date to expiration's date.
func DaysToExpiration(now, expiration time.Time) int {
	return int(math.Round(truncateDay(expiration).Sub(truncateDay(now)).Hours() / 24))
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Price returns the Black-Scholes value of a European option. With no
// volatility or time left it is the intrinsic value.
func Price(t types.SpreadType, spot, strike, vol, years, rate float64) float64 {
	if spot <= 0 || strike <= 0 {
		return 0
	}
	if vol <= 0 || years <= 0 {
		if t == types.SpreadTypeCall {
			return math.Max(spot-strike, 0)
		}
		return math.Max(strike-spot, 0)
	}

	sd := vol * math.Sqrt(years)
	d1 := (math.Log(spot/strike) + (rate+0.5*vol*vol)*years) / sd
	d2 := d1 - sd
	disc := strike * math.Exp(-rate*years)
	if t == types.SpreadTypeCall {
		return spot*normCDF(d1) - disc*normCDF(d2)
	}
	return disc*normCDF(-d2) - spot*normCDF(-d1)
}
