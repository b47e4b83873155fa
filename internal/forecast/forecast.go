// Package forecast talks to the upstream weather API and persists what it
// returns. The upstream contract is treated as a black box: a region code in,
// an analysis run with per-slot predictions out.
package forecast

import (
	"context"
	"errors"
	"time"
)

// ErrUpstream marks every fetch failure that should quarantine a region:
// transport errors, non-2xx statuses, malformed bodies and API-level rejects.
var ErrUpstream = errors.New("upstream forecast error")

// Request identifies the region to fetch. Coordinates are optional hints.
type Request struct {
	RegionCode string
	Latitude   *float64
	Longitude  *float64
}

// Prediction is one forecast time slot.
type Prediction struct {
	ValidAt                     time.Time
	TemperatureC                float64
	HumidityPct                 float64
	WeatherCode                 int
	WeatherDescription          string
	WindSpeedKph                float64
	WindDirectionDeg            float64
	VisibilityM                 float64
	PrecipitationMm             float64
	PrecipitationProbabilityPct float64
}

// Forecast is one upstream analysis run for a region.
type Forecast struct {
	RegionCode  string
	AnalysisAt  time.Time
	Predictions []Prediction
	Raw         []byte
	Source      string
}

// Fetcher retrieves the latest forecast run for a region.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Forecast, error)
}

// DescribeWeatherCode maps WMO weather codes to readable conditions.
func DescribeWeatherCode(code int) string {
	switch code {
	case 0:
		return "Clear"
	case 1, 2:
		return "Partly Cloudy"
	case 3:
		return "Overcast"
	case 45, 48:
		return "Fog"
	case 51, 53, 55, 56, 57:
		return "Drizzle"
	case 61, 63, 65, 66, 67, 80, 81, 82:
		return "Rain"
	case 71, 73, 75, 77, 85, 86:
		return "Snow"
	case 95, 96, 99:
		return "Thunderstorm"
	default:
		return "Unknown"
	}
}
