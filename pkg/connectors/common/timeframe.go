package common

import "time"

// timeframes maps the supported timeframe codes to their bar duration.
var timeframes = map[string]time.Duration{
	"M1":  time.Minute,
	"M5":  5 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H4":  4 * time.Hour,
	"D1":  24 * time.Hour,
}

// ValidTimeframe reports whether code names a supported timeframe.
func ValidTimeframe(code string) bool {
	_, ok := timeframes[code]
	return ok
}

// TimeframeDuration returns the bar duration for code, 0 when unknown.
func TimeframeDuration(code string) time.Duration {
	return timeframes[code]
}
