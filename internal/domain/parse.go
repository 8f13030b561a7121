package domain

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const utf8BOM = "\ufeff"

// headerColumn is the first column name; a row starting with it is a header.
var headerColumn = ObservationSchema[0].Name

// timestampLayouts are tried in order. Zone-less layouts are interpreted as UTC.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
}

// RowStatus classifies the result of parsing one line.
type RowStatus int

const (
	RowValid RowStatus = iota
	RowHeader
	RowBlank
	RowInvalid
)

func (s RowStatus) String() string {
	switch s {
	case RowValid:
		return "valid"
	case RowHeader:
		return "header"
	case RowBlank:
		return "blank"
	case RowInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// RowResult is the outcome of [RowParser.Parse]. Record is set only for RowValid
// and Err only for RowInvalid.
type RowResult struct {
	Record Record
	Status RowStatus
	Err    error
}

// RowParser parses the lines of a single file. It is not safe for concurrent
// use; create one per fetched file.
type RowParser struct {
	headers int
	lines   int
}

// NewRowParser returns a parser for one file's line stream.
func NewRowParser() *RowParser {
	return &RowParser{}
}

// Parse classifies and parses one line. It never panics on bad input.
func (p *RowParser) Parse(line string) RowResult {
	p.lines++
	if p.lines == 1 {
		line = strings.TrimPrefix(line, utf8BOM)
	}
	if strings.TrimSpace(line) == "" {
		return RowResult{Status: RowBlank}
	}
	if isHeader(line) {
		p.headers++
		return RowResult{Status: RowHeader}
	}
	rec, err := ParseRow(line)
	if err != nil {
		return RowResult{Status: RowInvalid, Err: err}
	}
	return RowResult{Record: rec, Status: RowValid}
}

// HeadersSeen returns how many header rows the parser has skipped.
func (p *RowParser) HeadersSeen() int { return p.headers }

// LinesSeen returns how many lines have been passed to Parse.
func (p *RowParser) LinesSeen() int { return p.lines }

func isHeader(line string) bool {
	first, _, _ := strings.Cut(line, ",")
	first = strings.Trim(strings.TrimSpace(first), `"`)
	return strings.EqualFold(first, headerColumn)
}

// ParseRow parses one CSV data line into a Record. It is pure: the same line
// always yields the same result.
func ParseRow(line string) (Record, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = len(ObservationSchema)
	r.ReuseRecord = true

	fields, err := r.Read()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) && errors.Is(perr.Err, csv.ErrFieldCount) {
			return Record{}, fmt.Errorf("%w: expected %d columns", ErrMalformedRow, len(ObservationSchema))
		}
		return Record{}, fmt.Errorf("%w: %w", ErrMalformedRow, err)
	}

	c := coercer{fields: fields}
	rec := Record{
		Capital:            c.str(0),
		Temperature:        c.integer(1),
		WeatherDescription: c.str(2),
		WindSpeed:          c.integer(3),
		Pressure:           c.integer(4),
		Precipitation:      c.decimal(5),
		Humidity:           c.integer(6),
		CloudCover:         c.integer(7),
		FeelsLike:          c.integer(8),
		UVIndex:            c.integer(9),
		Visibility:         c.integer(10),
		ObservationTime:    c.str(11),
		Timestamp:          c.timestamp(12),
	}
	if c.err != nil {
		return Record{}, c.err
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// coercer converts positional fields, keeping the first failure.
type coercer struct {
	fields []string
	err    error
}

func (c *coercer) fail(i int, err error) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: column %s: %w", ErrMalformedRow, ObservationSchema[i].Name, err)
	}
}

func (c *coercer) str(i int) string {
	return c.fields[i]
}

func (c *coercer) integer(i int) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(c.fields[i]), 10, 64)
	if err != nil {
		c.fail(i, err)
		return 0
	}
	return v
}

func (c *coercer) decimal(i int) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(c.fields[i]), 64)
	if err != nil {
		c.fail(i, err)
		return 0
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		c.fail(i, fmt.Errorf("non-finite value %q", c.fields[i]))
		return 0
	}
	return v
}

func (c *coercer) timestamp(i int) time.Time {
	t, err := ParseTimestamp(c.fields[i])
	if err != nil {
		c.fail(i, err)
	}
	return t
}

// ParseTimestamp parses the poller's timestamp column into a UTC time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
