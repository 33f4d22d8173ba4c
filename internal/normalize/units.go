package normalize

import "math"

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func kelvinToC(k float64) float64     { return round2(k - 273.15) }
func fahrenheitToC(f float64) float64 { return round2((f - 32) * 5 / 9) }
func kphToMps(kph float64) float64    { return round2(kph / 3.6) }
func mphToMps(mph float64) float64    { return round2(mph * 0.44704) }
func inHgToHpa(in float64) float64    { return round2(in * 33.8639) }
func milesToKm(mi float64) float64    { return round2(mi * 1.609344) }
func metresToKm(m float64) float64    { return round2(m / 1000) }

// ptr applies conv to v when v is present.
func ptr(v *float64, conv func(float64) float64) *float64 {
	if v == nil {
		return nil
	}
	out := conv(*v)
	return &out
}

func ident(v float64) float64 { return v }

func intPtr(v *float64) *int {
	if v == nil {
		return nil
	}
	n := int(math.Round(*v))
	return &n
}

// first returns the first present value.
func first(vs ...*float64) *float64 {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}
