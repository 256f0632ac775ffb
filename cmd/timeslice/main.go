// Command timeslice prints a recording written by bootmon -timeslice-file.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tinyrange/bootmon/internal/timeslice"
)

func formatTotal(t timeslice.Total) string {
	return fmt.Sprintf("% 32s flags=% 12s count=% 8d sum=% 14s min=% 14s max=% 14s avg=% 14s",
		t.Name, t.Flags, t.Count,
		t.Duration,
		t.Min,
		t.Max,
		t.Average(),
	)
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("timeslice", flag.ContinueOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print totals per kind instead of every record")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *filename == "" {
		fs.Usage()
		return fmt.Errorf("-filename is required")
	}

	f, err := os.Open(*filename)
	if err != nil {
		return fmt.Errorf("open timeslice file: %w", err)
	}
	defer f.Close()

	if *sums {
		totals, err := timeslice.Summarize(f)
		if err != nil {
			return fmt.Errorf("read timeslice file: %w", err)
		}
		for _, t := range totals {
			fmt.Fprintln(stdout, formatTotal(t))
		}
		return nil
	}

	if err := timeslice.ReadAllRecords(f, func(name string, flags timeslice.SliceFlags, duration time.Duration) error {
		_, err := fmt.Fprintf(stdout, "%s %s %s\n", name, flags, duration)
		return err
	}); err != nil {
		return fmt.Errorf("read timeslice file: %w", err)
	}
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "timeslice: %v\n", err)
		os.Exit(1)
	}
}
