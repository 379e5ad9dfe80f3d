package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTraceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imu1.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing trace file: %s", err)
	}
	return path
}

const sampleTrace = `10:30:00_20250812 version 1
"Device: DegapVrGlove, Firmware: 2.4.1"

timestamp_ms,valid,accel_x_mg,accel_y_mg
1755081000000,1,0.5,1.25
1755081000020,0,0.25,2.5
1755081000040,1,-0.75,3

Summary
Total rows: 3
End of recording
`

func TestReadTrace(t *testing.T) {
	trace, err := ReadTrace(writeTraceFile(t, sampleTrace))
	if err != nil {
		t.Fatalf("ReadTrace: %s", err)
	}

	if trace.Model != "DegapVrGlove" || trace.Firmware != "2.4.1" {
		t.Errorf("device = %q firmware %q", trace.Model, trace.Firmware)
	}
	wantColumns := []string{"accel_x_mg", "accel_y_mg"}
	if len(trace.Columns) != len(wantColumns) {
		t.Fatalf("columns = %v, want %v", trace.Columns, wantColumns)
	}
	for i, col := range wantColumns {
		if trace.Columns[i] != col {
			t.Errorf("column %d = %q, want %q", i, trace.Columns[i], col)
		}
	}

	if trace.Rows() != 3 {
		t.Fatalf("rows = %d, want 3", trace.Rows())
	}
	if got := trace.Start.UnixMilli(); got != 1755081000000 {
		t.Errorf("start = %d", got)
	}
	wantTimes := []time.Duration{0, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, want := range wantTimes {
		if trace.Times[i] != want {
			t.Errorf("time %d = %s, want %s", i, trace.Times[i], want)
		}
	}
	if trace.Span() != 40*time.Millisecond {
		t.Errorf("span = %s, want 40ms", trace.Span())
	}

	wantValid := []bool{true, false, true}
	for i, want := range wantValid {
		if trace.Valid[i] != want {
			t.Errorf("valid %d = %t, want %t", i, trace.Valid[i], want)
		}
	}
	if trace.Values[2][0] != -0.75 || trace.Values[2][1] != 3 {
		t.Errorf("row 2 = %v", trace.Values[2])
	}
}

func TestReadTraceTruncatedRecording(t *testing.T) {
	// A crashed recording ends after its last row, no footer.
	content := `10:30:00_20250812 version 1
"Device: DegapVrGlove, Firmware: 2.4.1"

timestamp_ms,valid,a
1000,1,1.5
1020,1,2.5
`
	trace, err := ReadTrace(writeTraceFile(t, content))
	if err != nil {
		t.Fatalf("ReadTrace: %s", err)
	}
	if trace.Rows() != 2 {
		t.Errorf("rows = %d, want 2", trace.Rows())
	}
}

func TestReadTraceErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing header",
			content: "10:30:00_20250812 version 1\n",
			want:    "missing column header",
		},
		{
			name:    "no samples",
			content: "timestamp_ms,valid,a\n\nSummary\n",
			want:    "no samples",
		},
		{
			name:    "short row",
			content: "timestamp_ms,valid,a,b\n1000,1,2.5\n",
			want:    "want 4",
		},
		{
			name:    "bad value",
			content: "timestamp_ms,valid,a\n1000,1,wobble\n",
			want:    "column a",
		},
		{
			name:    "header without valid column",
			content: "timestamp_ms,a,b\n",
			want:    "unexpected column header",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadTrace(writeTraceFile(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestReadTraceMissingFile(t *testing.T) {
	if _, err := ReadTrace(filepath.Join(t.TempDir(), "absent.csv")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseDeviceLine(t *testing.T) {
	tests := []struct {
		in        string
		model, fw string
		ok        bool
	}{
		{"Device: DegapVrGlove, Firmware: 2.4.1", "DegapVrGlove", "2.4.1", true},
		{"Device: DegapVrGlove", "DegapVrGlove", "", true},
		{"10:30:00_20250812 version 1", "", "", false},
	}
	for _, tt := range tests {
		model, fw, ok := parseDeviceLine(tt.in)
		if model != tt.model || fw != tt.fw || ok != tt.ok {
			t.Errorf("parseDeviceLine(%q) = %q, %q, %t", tt.in, model, fw, ok)
		}
	}
}
