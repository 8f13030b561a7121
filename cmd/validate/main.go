// Command validate dry-runs the row parser over local CSV files without
// touching any transport or sink. It reports per-file counts and every
// rejected line, and exits non-zero when any row is invalid.
//
// Usage:
//
//	go run ./cmd/validate data/mock/*.csv
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/couchcryptid/weather-ingest/internal/domain"
)

// fileReport tallies row outcomes for one file.
type fileReport struct {
	path     string
	counts   map[domain.RowStatus]int
	rejected []string
}

func (r *fileReport) invalid() int { return r.counts[domain.RowInvalid] }

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s file.csv [file.csv ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	os.Exit(run(flag.Args()))
}

func run(paths []string) int {
	fmt.Println("=== Weather CSV Validation ===")
	fmt.Printf("Schema: %s\n\n", domain.ObservationSchema)

	code := 0
	for _, path := range paths {
		report, err := validateFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", path, err)
			return 1
		}
		printReport(report)
		if report.invalid() > 0 {
			code = 1
		}
	}

	if code == 0 {
		fmt.Println("\nAll rows valid.")
	} else {
		fmt.Println("\nValidation FAILED.")
	}
	return code
}

func validateFile(path string) (*fileReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	report := &fileReport{path: path, counts: map[domain.RowStatus]int{}}
	parser := domain.NewRowParser()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		res := parser.Parse(scanner.Text())
		report.counts[res.Status]++
		if res.Status == domain.RowInvalid {
			report.rejected = append(report.rejected, fmt.Sprintf("line %d: %v", parser.LinesSeen(), res.Err))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

func printReport(r *fileReport) {
	status := "\033[32mPASS\033[0m"
	if r.invalid() > 0 {
		status = fmt.Sprintf("\033[31mFAIL (%d invalid)\033[0m", r.invalid())
	}
	fmt.Printf("  %-48s %s\n", r.path, status)
	fmt.Printf("    valid=%d header=%d blank=%d invalid=%d\n",
		r.counts[domain.RowValid], r.counts[domain.RowHeader],
		r.counts[domain.RowBlank], r.counts[domain.RowInvalid])
	for i, line := range r.rejected {
		fmt.Printf("    [%d] %s\n", i+1, line)
	}
}
