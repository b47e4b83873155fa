package forecast

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Run is one stored upstream analysis. Append-only.
type Run struct {
	ID         uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	RegionCode string `gorm:"column:region_code;size:64;not null;uniqueIndex:ux_forecast_runs_region_analysis,priority:1"`
	AnalysisMs int64  `gorm:"column:analysis_ms;not null;uniqueIndex:ux_forecast_runs_region_analysis,priority:2"`
	RawPayload []byte `gorm:"column:raw_payload"`
	Source     string `gorm:"column:source;size:32"`
	FetchedMs  int64  `gorm:"column:fetched_ms;not null;index"`
}

// TableName pins the gorm table name.
func (Run) TableName() string {
	return "forecast_runs"
}

// Record is one normalized forecast slot of a run. Append-only.
type Record struct {
	ID                          uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	RegionCode                  string  `gorm:"column:region_code;size:64;not null;uniqueIndex:ux_forecast_records_slot,priority:1"`
	AnalysisMs                  int64   `gorm:"column:analysis_ms;not null;uniqueIndex:ux_forecast_records_slot,priority:2"`
	ValidMs                     int64   `gorm:"column:valid_ms;not null;uniqueIndex:ux_forecast_records_slot,priority:3"`
	TemperatureC                float64 `gorm:"column:temperature_c"`
	HumidityPct                 float64 `gorm:"column:humidity_pct"`
	WeatherCode                 int     `gorm:"column:weather_code"`
	WeatherDescription          string  `gorm:"column:weather_description;size:64"`
	WindSpeedKph                float64 `gorm:"column:wind_speed_kph"`
	WindDirectionDeg            float64 `gorm:"column:wind_direction_deg"`
	VisibilityM                 float64 `gorm:"column:visibility_m"`
	PrecipitationMm             float64 `gorm:"column:precipitation_mm"`
	PrecipitationProbabilityPct float64 `gorm:"column:precipitation_probability_pct"`
}

// TableName pins the gorm table name.
func (Record) TableName() string {
	return "forecast_records"
}

// Store writes runs and records with insert-or-ignore semantics, so replays
// of the same analysis are harmless.
type Store struct {
	db        *gorm.DB
	batchSize int
}

// NewStore returns a Store that writes records in batches of 200.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, batchSize: 200}
}

// SaveRun stores the run and reports whether a new row was inserted.
func (s *Store) SaveRun(ctx context.Context, f Forecast, fetchedAt time.Time) (bool, error) {
	run := Run{
		RegionCode: f.RegionCode,
		AnalysisMs: f.AnalysisAt.UnixMilli(),
		RawPayload: f.Raw,
		Source:     f.Source,
		FetchedMs:  fetchedAt.UnixMilli(),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "region_code"}, {Name: "analysis_ms"}},
			DoNothing: true,
		}).
		Create(&run)
	if res.Error != nil {
		return false, fmt.Errorf("save forecast run region=%s analysis_ms=%d: %w", run.RegionCode, run.AnalysisMs, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SaveRecords stores every prediction of f and returns how many rows were new.
func (s *Store) SaveRecords(ctx context.Context, f Forecast) (int64, error) {
	if len(f.Predictions) == 0 {
		return 0, nil
	}

	analysisMs := f.AnalysisAt.UnixMilli()
	rows := make([]Record, 0, len(f.Predictions))
	for _, p := range f.Predictions {
		rows = append(rows, Record{
			RegionCode:                  f.RegionCode,
			AnalysisMs:                  analysisMs,
			ValidMs:                     p.ValidAt.UnixMilli(),
			TemperatureC:                p.TemperatureC,
			HumidityPct:                 p.HumidityPct,
			WeatherCode:                 p.WeatherCode,
			WeatherDescription:          p.WeatherDescription,
			WindSpeedKph:                p.WindSpeedKph,
			WindDirectionDeg:            p.WindDirectionDeg,
			VisibilityM:                 p.VisibilityM,
			PrecipitationMm:             p.PrecipitationMm,
			PrecipitationProbabilityPct: p.PrecipitationProbabilityPct,
		})
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "region_code"}, {Name: "analysis_ms"}, {Name: "valid_ms"}},
			DoNothing: true,
		}).
		CreateInBatches(&rows, s.batchSize)
	if res.Error != nil {
		return 0, fmt.Errorf("save forecast records region=%s analysis_ms=%d: %w", f.RegionCode, analysisMs, res.Error)
	}
	return res.RowsAffected, nil
}
