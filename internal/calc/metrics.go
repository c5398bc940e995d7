package calc

import (
	"math"
	"time"
)

// Gender selects the Banister weighting. Anything other than GenderFemale is
// treated as male-coded.
type Gender string

const (
	GenderMale   Gender = "M"
	GenderFemale Gender = "F"
)

// Fallbacks for incomplete profiles.
const (
	DefaultAge       = 30
	DefaultWeightKg  = 70.0
	DefaultRestingHR = 60
)

// MinValidHR is the reading at or below which TRIMP, VO2 and sample
// persistence ignore a participant.
const MinValidHR = 40

// Body is the slice of a participant profile the calculator needs.
type Body struct {
	Age       int
	WeightKg  float64
	Gender    Gender
	MaxHR     int
	RestingHR int
}

func (b Body) age() int {
	if b.Age <= 0 {
		return DefaultAge
	}
	return b.Age
}

func (b Body) weight() float64 {
	if b.WeightKg <= 0 {
		return DefaultWeightKg
	}
	return b.WeightKg
}

func (b Body) resting() int {
	if b.RestingHR <= 0 {
		return DefaultRestingHR
	}
	return b.RestingHR
}

// MaxHRForAge derives max HR from age, using Tanaka (208 - 0.7 age) when
// tanaka is set and 220 - age otherwise. A missing age uses DefaultAge.
func MaxHRForAge(age int, tanaka bool) int {
	if age <= 0 {
		age = DefaultAge
	}
	if tanaka {
		return int(math.Round(208 - 0.7*float64(age)))
	}
	return 220 - age
}

// CaloriesPerSecond estimates kcal burned in one second at hr. The regression
// yields kJ/min, which is floored at zero and converted to kcal/s.
func CaloriesPerSecond(hr int, b Body) float64 {
	if hr <= 0 {
		return 0
	}
	kjPerMin := -55.0969 + 0.6309*float64(hr) + 0.1988*b.weight() + 0.2017*float64(b.age())
	kcalPerMin := kjPerMin / 4.184
	if kcalPerMin <= 0 || math.IsNaN(kcalPerMin) {
		return 0
	}
	return kcalPerMin / 60
}

// Training-load point constants.
const (
	// RedMinutesSoftCap is the red-zone total after which red awards halve.
	RedMinutesSoftCap = 3.0
	// TRIMPBonusFactor scales the TRIMP bonus added to every minute award.
	TRIMPBonusFactor = 10.0
	// RecoveryDropBPM is the drop out of red that earns RecoveryBonusPoints.
	RecoveryDropBPM     = 25
	RecoveryBonusPoints = 5.0
	// ZoneAwardDwell is the dwell a zone needs before it pays out.
	ZoneAwardDwell = 60 * time.Second
)

var pointsPerMinute = [NumZones]float64{
	ZoneGray:   0,
	ZoneGreen:  0,
	ZoneBlue:   0.01,
	ZoneYellow: 0.02,
	ZoneOrange: 0.03,
	ZoneRed:    0.05,
}

// PointsRate returns the per-minute award for z.
func PointsRate(z Zone) float64 {
	if z < ZoneGray || z > ZoneRed {
		return 0
	}
	return pointsPerMinute[z]
}

// MinuteAward is paid when a zone's dwell reaches ZoneAwardDwell. redMinutes
// is the session total spent in red so far and trimp the current TRIMP score.
func MinuteAward(z Zone, redMinutes, trimp float64) float64 {
	rate := PointsRate(z)
	if z == ZoneRed && redMinutes > RedMinutesSoftCap {
		rate *= 0.5
	}
	if trimp > 0 {
		rate += trimp * TRIMPBonusFactor
	}
	return rate
}

// RecoveryBonus rewards leaving red with a drop larger than RecoveryDropBPM
// between two consecutive readings.
func RecoveryBonus(prevZone Zone, prevHR int, zone Zone, hr int) float64 {
	if prevHR <= 0 || prevZone != ZoneRed || zone == ZoneRed {
		return 0
	}
	if prevHR-hr > RecoveryDropBPM {
		return RecoveryBonusPoints
	}
	return 0
}

// TRIMP constants.
const (
	// MinTRIMPInterval is the shortest gap between two TRIMP evaluations.
	MinTRIMPInterval = 5 * time.Second
	TRIMPScale       = 0.00008
	trimpMaleY       = 1.92
	trimpFemaleY     = 1.67
)

// TRIMPIncrement applies the Banister model over elapsed. It returns 0 when
// the reading is not valid, the heart-rate reserve is not positive or elapsed
// is shorter than MinTRIMPInterval.
func TRIMPIncrement(hr int, b Body, elapsed time.Duration) float64 {
	if hr <= MinValidHR || b.MaxHR <= 0 || elapsed < MinTRIMPInterval {
		return 0
	}
	resting := b.resting()
	hrr := b.MaxHR - resting
	if hrr <= 0 {
		return 0
	}
	ratio := float64(hr-resting) / float64(hrr)
	ratio = math.Max(0, math.Min(1, ratio))

	y := trimpMaleY
	if b.Gender == GenderFemale {
		y = trimpFemaleY
	}
	factor := 0.64 * math.Exp(y*ratio)
	return elapsed.Minutes() * ratio * factor * b.weight() * TRIMPScale
}

// EPOC constants.
const (
	epocHighZoneCoeff    = 6.0
	epocTRIMPFraction    = 0.15
	epocVO2PerMinute     = 15.0
	epocDefaultIntensity = 0.8
)

// EPOC estimates recovery debt at the end of a session. highZoneMinutes is
// orange plus red time, meanHR the session mean (0 when unknown).
func EPOC(highZoneMinutes, meanHR float64, maxHR int, trimp, vo2Seconds float64) float64 {
	intensity := epocDefaultIntensity
	if meanHR > 0 && maxHR > 0 {
		intensity = meanHR / float64(maxHR)
	}
	v := highZoneMinutes*epocHighZoneCoeff*intensity +
		trimp*epocTRIMPFraction +
		vo2Seconds/60*epocVO2PerMinute
	if v < 0 {
		return 0
	}
	return math.Round(v)
}
