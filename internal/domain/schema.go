package domain

import "strings"

// ColumnType is the analytical store type of a column.
type ColumnType string

const (
	TypeString    ColumnType = "STRING"
	TypeInt64     ColumnType = "INT64"
	TypeFloat64   ColumnType = "FLOAT64"
	TypeTimestamp ColumnType = "TIMESTAMP"
)

// Column is one named, typed field of the sink table.
type Column struct {
	Name string
	Type ColumnType
}

// Schema is an ordered list of columns.
type Schema []Column

// ObservationSchema is the fixed contract shared by the CSV layout and the sink
// table. Column order matches the CSV column order.
var ObservationSchema = Schema{
	{Name: "capital", Type: TypeString},
	{Name: "temperature", Type: TypeInt64},
	{Name: "weather_description", Type: TypeString},
	{Name: "wind_speed", Type: TypeInt64},
	{Name: "pressure", Type: TypeInt64},
	{Name: "precipitation", Type: TypeFloat64},
	{Name: "humidity", Type: TypeInt64},
	{Name: "cloudcover", Type: TypeInt64},
	{Name: "feelslike", Type: TypeInt64},
	{Name: "uv_index", Type: TypeInt64},
	{Name: "visibility", Type: TypeInt64},
	{Name: "observation_time", Type: TypeString},
	{Name: "timestamp", Type: TypeTimestamp},
}

// FieldNames returns the column names in order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// String renders the schema as "name:TYPE, name:TYPE, ...".
func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = c.Name + ":" + string(c.Type)
	}
	return strings.Join(parts, ", ")
}
