package forecast

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"
)

// MockFetcher returns deterministic forecasts for local development.
type MockFetcher struct {
	Now   func() time.Time
	Slots int
}

// Fetch returns an hourly run derived from the region code and the current hour.
func (m *MockFetcher) Fetch(_ context.Context, req Request) (Forecast, error) {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	slots := m.Slots
	if slots <= 0 {
		slots = 24
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(req.RegionCode))
	seed := float64(h.Sum32() % 10)

	analysisAt := now().UTC().Truncate(time.Hour)
	out := Forecast{
		RegionCode:  req.RegionCode,
		AnalysisAt:  analysisAt,
		Predictions: make([]Prediction, 0, slots),
		Source:      "mock",
	}
	for i := 0; i < slots; i++ {
		code := []int{0, 2, 3, 61}[i%4]
		out.Predictions = append(out.Predictions, Prediction{
			ValidAt:                     analysisAt.Add(time.Duration(i+1) * time.Hour),
			TemperatureC:                24 + seed + float64(i%6),
			HumidityPct:                 58,
			WeatherCode:                 code,
			WeatherDescription:          DescribeWeatherCode(code),
			WindSpeedKph:                12.4,
			WindDirectionDeg:            float64((i * 15) % 360),
			VisibilityM:                 10000,
			PrecipitationMm:             0,
			PrecipitationProbabilityPct: float64((i * 5) % 100),
		})
	}

	raw, err := json.Marshal(map[string]any{
		"analysis_time": analysisAt.Format(time.RFC3339),
		"region":        req.RegionCode,
		"slots":         slots,
	})
	if err != nil {
		return Forecast{}, err
	}
	out.Raw = raw
	return out, nil
}
