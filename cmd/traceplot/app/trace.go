package app

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Trace is one stream of a recorded session, loaded into memory for
// plotting. Values holds one row per sample in header column order,
// timestamp and validity split off.
type Trace struct {
	Model    string
	Firmware string

	Columns []string
	Start   time.Time
	Times   []time.Duration
	Valid   []bool
	Values  [][]float64
}

func (t *Trace) Rows() int {
	return len(t.Times)
}

// Span is the recorded duration from the first to the last sample.
func (t *Trace) Span() time.Duration {
	if len(t.Times) == 0 {
		return 0
	}
	return t.Times[len(t.Times)-1]
}

// Column returns the index of the named value column.
func (t *Trace) Column(name string) (int, bool) {
	for i, col := range t.Columns {
		if col == name {
			return i, true
		}
	}
	return 0, false
}

// ReadTrace loads one stream file written by the trace recorder. The
// preamble identifies the device, the footer is informational; a file
// cut short by a crashed recording simply ends after its last row.
func ReadTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	defer f.Close()

	trace, err := parseTrace(f)
	if err != nil {
		return nil, fmt.Errorf("reading trace file '%s': %w", path, err)
	}
	return trace, nil
}

func parseTrace(f io.Reader) (*Trace, error) {
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	trace := &Trace{}

	// Preamble: free-form rows until the column header.
	var header []string
	for {
		record, err := r.Read()
		if err == io.EOF {
			return nil, fmt.Errorf("missing column header")
		}
		if err != nil {
			return nil, err
		}
		if len(record) > 0 && record[0] == "timestamp_ms" {
			header = record
			break
		}
		if len(record) == 1 {
			if model, firmware, ok := parseDeviceLine(record[0]); ok {
				trace.Model, trace.Firmware = model, firmware
			}
		}
	}
	if len(header) < 3 || header[1] != "valid" {
		return nil, fmt.Errorf("unexpected column header %q", strings.Join(header, ","))
	}
	trace.Columns = header[2:]

	var startMillis int64
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		millis, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			break // footer reached
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("row %d: %d columns, want %d", trace.Rows()+1, len(record), len(header))
		}

		if len(trace.Times) == 0 {
			startMillis = millis
			trace.Start = time.UnixMilli(millis)
		}

		values := make([]float64, len(trace.Columns))
		for i, field := range record[2:] {
			if values[i], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, fmt.Errorf("row %d, column %s: %w", trace.Rows()+1, trace.Columns[i], err)
			}
		}

		trace.Times = append(trace.Times, time.Duration(millis-startMillis)*time.Millisecond)
		trace.Valid = append(trace.Valid, record[1] == "1")
		trace.Values = append(trace.Values, values)
	}

	if trace.Rows() == 0 {
		return nil, fmt.Errorf("trace holds no samples")
	}
	return trace, nil
}

func parseDeviceLine(line string) (model, firmware string, ok bool) {
	rest, found := strings.CutPrefix(line, "Device: ")
	if !found {
		return "", "", false
	}
	model, firmware, found = strings.Cut(rest, ", Firmware: ")
	if !found {
		return rest, "", true
	}
	return model, firmware, true
}
