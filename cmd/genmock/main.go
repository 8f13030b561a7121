// Command genmock writes a sample weather observation CSV for the capitals the
// upstream poller tracks, plus the notification payload that announces it.
// Values are deterministic for a given -at time so fixtures are reproducible;
// without -at the current time is used.
//
// Usage:
//
//	go run ./cmd/genmock -out-dir data/mock -at 2024-01-01T12:00:00Z
//	go run ./cmd/genmock -out-dir data/mock -bucket weather-uploads
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/couchcryptid/weather-ingest/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
)

// uploadPrefix is the object prefix the poller uploads under.
const uploadPrefix = "to-process"

type capital struct {
	name        string
	baseTemp    int
	description string
	utcOffset   time.Duration
}

var capitals = []capital{
	{"Moscow", -4, "Overcast", 3 * time.Hour},
	{"Ottawa", -9, "Light snow", -5 * time.Hour},
	{"Washington", 4, "Partly cloudy", -5 * time.Hour},
	{"Beijing", -2, "Clear", 8 * time.Hour},
	{"Brasilia", 27, "Thundery outbreaks possible", -3 * time.Hour},
	{"Canberra", 24, "Sunny", 11 * time.Hour},
	{"New Delhi", 16, "Mist", 5*time.Hour + 30*time.Minute},
	{"Buenos Aires", 29, "Sunny", -3 * time.Hour},
	{"Nur-Sultan", -14, "Blowing snow", 5 * time.Hour},
	{"Algiers", 13, "Light rain", time.Hour},
}

func main() {
	if _, err := run(os.Args[1:], clockwork.NewRealClock()); err != nil {
		log.Fatal(err)
	}
}

// run writes the fixtures and returns the CSV path.
func run(args []string, clock clockwork.Clock) (string, error) {
	fs := flag.NewFlagSet("genmock", flag.ContinueOnError)
	outDir := fs.String("out-dir", "", "directory to write the CSV and notification into")
	bucket := fs.String("bucket", "", "bucket for a gs:// notification; empty writes a file:// location")
	at := fs.String("at", "", "observation time (RFC3339); defaults to now")
	if err := fs.Parse(args); err != nil {
		return "", err
	}

	if *outDir == "" {
		fs.Usage()
		return "", fmt.Errorf("missing required flag: -out-dir")
	}

	now := clock.Now().UTC().Truncate(time.Second)
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return "", fmt.Errorf("parse -at: %w", err)
		}
		now = t.UTC()
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("weather_data_%s.csv", now.Format("20060102_150405"))
	csvPath, err := filepath.Abs(filepath.Join(*outDir, name))
	if err != nil {
		return "", err
	}
	if err := writeCSV(csvPath, now); err != nil {
		return "", fmt.Errorf("writing CSV: %w", err)
	}
	log.Printf("wrote %d observations: %s", len(capitals), csvPath)

	notification := map[string]string{"location": "file://" + csvPath}
	if *bucket != "" {
		notification = map[string]string{"bucket": *bucket, "name": uploadPrefix + "/" + name}
	}
	notePath := csvPath + ".notification.json"
	if err := writeJSON(notePath, notification); err != nil {
		return "", fmt.Errorf("writing notification: %w", err)
	}
	log.Printf("wrote notification: %s", notePath)
	return csvPath, nil
}

func writeCSV(path string, start time.Time) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(domain.ObservationSchema.FieldNames()); err != nil {
		return err
	}
	for i, c := range capitals {
		// The poller queries capitals one after another.
		at := start.Add(time.Duration(i) * time.Second)
		if err := w.Write(observation(i, c, at)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// observation derives plausible, repeatable readings from the capital's
// position in the list and the observation time.
func observation(i int, c capital, now time.Time) []string {
	hour := now.Hour()
	temp := c.baseTemp + (hour+i)%5 - 2
	precip := float64((i*7+hour)%12) / 10
	local := now.Add(c.utcOffset)

	return []string{
		c.name,
		strconv.Itoa(temp),
		c.description,
		strconv.Itoa(5 + (i*3+hour)%20),
		strconv.Itoa(1000 + (i*5+hour)%30),
		strconv.FormatFloat(precip, 'f', 1, 64),
		strconv.Itoa(40 + (i*11)%55),
		strconv.Itoa((i * 17) % 100),
		strconv.Itoa(temp - i%4),
		strconv.Itoa((hour + i) % 9),
		strconv.Itoa(10 - i%6),
		local.Format("03:04 PM"),
		now.Format("2006-01-02 15:04:05"),
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}
