package security

import (
	"fmt"
	"math"
	"time"
)

// Level is an advisory risk label.
type Level string

// Risk levels.
const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Signal weights.
const (
	weightFingerprint = 2
	weightGeo         = 3
	weightHours       = 1
	weightSessions    = 2
)

// Heuristic limits.
const (
	DefaultMaxSessions = 5
	maxTravelKMH       = 900
	earthRadiusKM      = 6371
)

// GeoPoint is a located access.
type GeoPoint struct {
	Lat float64
	Lon float64
	At  time.Time
}

// Signals are the observations a risk assessment is computed from.
type Signals struct {
	FingerprintMismatch bool
	Previous, Current   *GeoPoint
	AccessTime          time.Time
	ActiveSessions      int
	MaxSessions         int
}

// Assessment is a risk label with the reasons behind it.
type Assessment struct {
	Level   Level    `json:"level" yaml:"level"`
	Score   int      `json:"score" yaml:"score"`
	Reasons []string `json:"reasons" yaml:"reasons"`
}

// Assess scores s. It has no side effects and must not gate access.
func Assess(s Signals) Assessment {
	a := Assessment{Reasons: []string{}}
	if s.FingerprintMismatch {
		a.Score += weightFingerprint
		a.Reasons = append(a.Reasons, "device fingerprint changed")
	}
	if speed, ok := travelSpeed(s.Previous, s.Current); ok && speed > maxTravelKMH {
		a.Score += weightGeo
		a.Reasons = append(a.Reasons, fmt.Sprintf("location changed at %.0f km/h", speed))
	}
	if !s.AccessTime.IsZero() && unusualHour(s.AccessTime.Hour()) {
		a.Score += weightHours
		a.Reasons = append(a.Reasons, "access at unusual hours")
	}
	limit := s.MaxSessions
	if limit <= 0 {
		limit = DefaultMaxSessions
	}
	if s.ActiveSessions > limit {
		a.Score += weightSessions
		a.Reasons = append(a.Reasons, fmt.Sprintf("%d concurrent sessions", s.ActiveSessions))
	}
	switch {
	case a.Score >= 4:
		a.Level = LevelHigh
	case a.Score >= 2:
		a.Level = LevelMedium
	default:
		a.Level = LevelLow
	}
	return a
}

func unusualHour(h int) bool { return h < 6 }

func travelSpeed(prev, cur *GeoPoint) (float64, bool) {
	if prev == nil || cur == nil {
		return 0, false
	}
	hours := cur.At.Sub(prev.At).Hours()
	km := haversine(prev.Lat, prev.Lon, cur.Lat, cur.Lon)
	if hours <= 0 {
		if km > 0 {
			return math.Inf(1), true
		}
		return 0, true
	}
	return km / hours, true
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
