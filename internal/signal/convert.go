package signal

import (
	"math"

	"github.com/markuskreitzer/picodaq/internal/domain"
)

// ToVoltage converts one raw digitizer count to calibrated volts.
// rangeVolts is the channel's full-scale range, maxADC the resolution's
// full-scale count, offset the channel's analog offset in volts.
func ToVoltage(raw int16, rangeVolts float64, maxADC int, offset float64) (float64, error) {
	if maxADC <= 0 {
		return 0, domain.E(domain.KindConversion, "signal.ToVoltage", "max adc count must be positive, got %d", maxADC)
	}
	if rangeVolts <= 0 {
		return 0, domain.E(domain.KindConversion, "signal.ToVoltage", "range must be positive, got %g", rangeVolts)
	}
	return float64(raw)/float64(maxADC)*rangeVolts - offset, nil
}

// ToRaw is the exact inverse of ToVoltage, rounded to the nearest count.
// Used to validate voltage-expressed thresholds before they reach hardware.
func ToRaw(volts, rangeVolts float64, maxADC int, offset float64) (int16, error) {
	if maxADC <= 0 {
		return 0, domain.E(domain.KindConversion, "signal.ToRaw", "max adc count must be positive, got %d", maxADC)
	}
	if rangeVolts <= 0 {
		return 0, domain.E(domain.KindConversion, "signal.ToRaw", "range must be positive, got %g", rangeVolts)
	}
	raw := math.Round((volts + offset) / rangeVolts * float64(maxADC))
	if raw > math.MaxInt16 {
		raw = math.MaxInt16
	}
	if raw < math.MinInt16 {
		raw = math.MinInt16
	}
	return int16(raw), nil
}

// ConvertBlock converts a whole raw channel trace to volts.
func ConvertBlock(raw []int16, rangeVolts float64, maxADC int, offset float64) ([]float64, error) {
	if maxADC <= 0 {
		return nil, domain.E(domain.KindConversion, "signal.ConvertBlock", "max adc count must be positive, got %d", maxADC)
	}
	if rangeVolts <= 0 {
		return nil, domain.E(domain.KindConversion, "signal.ConvertBlock", "range must be positive, got %g", rangeVolts)
	}
	out := make([]float64, len(raw))
	scale := rangeVolts / float64(maxADC)
	for i, c := range raw {
		out[i] = float64(c)*scale - offset
	}
	return out, nil
}
