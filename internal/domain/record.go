package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Record is one weather observation row. Field order mirrors [ObservationSchema].
type Record struct {
	Capital            string    `json:"capital" bigquery:"capital" validate:"required"`
	Temperature        int64     `json:"temperature" bigquery:"temperature"`
	WeatherDescription string    `json:"weather_description" bigquery:"weather_description"`
	WindSpeed          int64     `json:"wind_speed" bigquery:"wind_speed"`
	Pressure           int64     `json:"pressure" bigquery:"pressure"`
	Precipitation      float64   `json:"precipitation" bigquery:"precipitation"`
	Humidity           int64     `json:"humidity" bigquery:"humidity"`
	CloudCover         int64     `json:"cloudcover" bigquery:"cloudcover"`
	FeelsLike          int64     `json:"feelslike" bigquery:"feelslike"`
	UVIndex            int64     `json:"uv_index" bigquery:"uv_index"`
	Visibility         int64     `json:"visibility" bigquery:"visibility"`
	ObservationTime    string    `json:"observation_time" bigquery:"observation_time"`
	Timestamp          time.Time `json:"timestamp" bigquery:"timestamp" validate:"required"`
}

// Validate checks the invariants that coercion alone cannot guarantee.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRow, err)
	}
	return nil
}

// Values returns the record's fields keyed by column name.
func (r Record) Values() map[string]any {
	return map[string]any{
		"capital":             r.Capital,
		"temperature":         r.Temperature,
		"weather_description": r.WeatherDescription,
		"wind_speed":          r.WindSpeed,
		"pressure":            r.Pressure,
		"precipitation":       r.Precipitation,
		"humidity":            r.Humidity,
		"cloudcover":          r.CloudCover,
		"feelslike":           r.FeelsLike,
		"uv_index":            r.UVIndex,
		"visibility":          r.Visibility,
		"observation_time":    r.ObservationTime,
		"timestamp":           r.Timestamp,
	}
}
