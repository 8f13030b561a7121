// Package domain models the weather observations ingested by the service and
// the notifications that announce them.
//
// # Data Source
//
// Observation files are produced by an upstream poller that queries the
// weatherstack "current" endpoint for a fixed list of capital cities and
// appends one CSV row per city. A trigger moves finished files into a curated
// bucket and publishes a notification whose payload points at the file:
//
//	{"filename": "weather_data.csv", "bucket": "curated", "location": "gs://curated/weather_data.csv"}
//
// # CSV Layout
//
// Every file starts with a header row followed by data rows of exactly 13
// columns, in this order:
//
//	capital,temperature,weather_description,wind_speed,pressure,precipitation,
//	humidity,cloudcover,feelslike,uv_index,visibility,observation_time,timestamp
//
// Integer columns use plain base-10 notation. precipitation is a decimal.
// observation_time is the provider's local "hh:mm AM" string and is kept as
// text. timestamp is the poller's wall clock ("2024-01-01 12:00:00") and is
// parsed into a UTC point in time before it reaches the sink.
//
// # Header Handling
//
// Headers are recognised structurally (first column equals "capital") rather
// than by position, so a [RowParser] never turns a header into a record no
// matter how lines are distributed across workers. See [RowParser].
//
// # Delivery Semantics
//
// Transports deliver notifications at least once. The sink appends, so a
// redelivered notification writes its rows again; this duplication is
// accepted and no dedup key is assigned.
package domain
