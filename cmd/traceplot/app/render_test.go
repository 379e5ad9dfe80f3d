package app

import (
	"image/color"
	"math"
	"strings"
	"testing"
	"time"
)

func testTrace(rows int) *Trace {
	trace := &Trace{
		Model:    "DegapVrGlove",
		Firmware: "2.4.1",
		Columns:  []string{"x", "y"},
		Start:    time.Unix(1755081000, 0),
	}
	for i := 0; i < rows; i++ {
		trace.Times = append(trace.Times, time.Duration(i)*20*time.Millisecond)
		trace.Valid = append(trace.Valid, true)
		trace.Values = append(trace.Values, []float64{
			math.Sin(float64(i) / 5),
			math.Cos(float64(i) / 5),
		})
	}
	return trace
}

func TestRender(t *testing.T) {
	renderer, err := NewTraceRenderer(RenderConfig{Width: 400, Height: 200})
	if err != nil {
		t.Fatalf("NewTraceRenderer: %s", err)
	}

	trace := testTrace(50)
	img, err := renderer.Render(trace, nil)
	if err != nil {
		t.Fatalf("Render: %s", err)
	}

	wantW := 400 + defaultLeftBorder + defaultRightBorder
	wantH := 200 + defaultTopBorder + defaultBottomBorder
	if img.Bounds().Dx() != wantW || img.Bounds().Dy() != wantH {
		t.Errorf("image = %dx%d, want %dx%d",
			img.Bounds().Dx(), img.Bounds().Dy(), wantW, wantH)
	}

	// The first legend swatch carries the first palette color.
	swatch := img.RGBAAt(defaultLeftBorder+2, defaultTopBorder-18)
	if swatch != seriesPalette[0] {
		t.Errorf("legend swatch = %v, want %v", swatch, seriesPalette[0])
	}

	// Series lines leave non-white pixels inside the plot area.
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	var plotted bool
	for x := defaultLeftBorder + 1; x < defaultLeftBorder+400 && !plotted; x++ {
		for y := defaultTopBorder + 1; y < defaultTopBorder+200; y++ {
			c := img.RGBAAt(x, y)
			if c != white && c != gridColor {
				plotted = true
				break
			}
		}
	}
	if !plotted {
		t.Error("plot area holds no series pixels")
	}
}

func TestRenderSelectsColumns(t *testing.T) {
	renderer, err := NewTraceRenderer(RenderConfig{Width: 400, Height: 200})
	if err != nil {
		t.Fatalf("NewTraceRenderer: %s", err)
	}

	if _, err := renderer.Render(testTrace(10), []string{"y"}); err != nil {
		t.Errorf("Render with column selection: %s", err)
	}

	_, err = renderer.Render(testTrace(10), []string{"z"})
	if err == nil {
		t.Fatal("expected error for unknown column")
	}
	if !strings.Contains(err.Error(), "unknown column 'z'") {
		t.Errorf("error = %q", err)
	}
}

func TestRenderRejectsAllInvalid(t *testing.T) {
	renderer, err := NewTraceRenderer(RenderConfig{Width: 400, Height: 200})
	if err != nil {
		t.Fatalf("NewTraceRenderer: %s", err)
	}

	trace := testTrace(10)
	for i := range trace.Valid {
		trace.Valid[i] = false
	}
	if _, err := renderer.Render(trace, nil); err == nil {
		t.Fatal("expected error when every sample is invalid")
	}
}

func TestValueBounds(t *testing.T) {
	trace := &Trace{
		Columns: []string{"a"},
		Times:   []time.Duration{0, time.Millisecond, 2 * time.Millisecond},
		Valid:   []bool{true, true, false},
		Values:  [][]float64{{-2}, {8}, {1000}},
	}

	low, high, err := valueBounds(trace, []int{0})
	if err != nil {
		t.Fatalf("valueBounds: %s", err)
	}
	// Invalid samples stay out of the range; the rest is padded by 5%.
	if low != -2.5 || high != 8.5 {
		t.Errorf("bounds = [%g, %g], want [-2.5, 8.5]", low, high)
	}
}

func TestValueBoundsFlatSeries(t *testing.T) {
	trace := &Trace{
		Columns: []string{"a"},
		Times:   []time.Duration{0, time.Millisecond},
		Valid:   []bool{true, true},
		Values:  [][]float64{{42}, {42}},
	}

	low, high, err := valueBounds(trace, []int{0})
	if err != nil {
		t.Fatalf("valueBounds: %s", err)
	}
	if low >= high {
		t.Errorf("flat series bounds = [%g, %g], want a widened range", low, high)
	}
	if low > 41 || high < 43 {
		t.Errorf("bounds = [%g, %g] do not enclose the value", low, high)
	}
}

func TestFormatOffset(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0 s"},
		{20 * time.Millisecond, "20 ms"},
		{500 * time.Millisecond, "500 ms"},
		{1500 * time.Millisecond, "1.5 s"},
		{2 * time.Second, "2s"},
		{90 * time.Second, "1m30s"},
	}
	for _, tt := range tests {
		if got := formatOffset(tt.in); got != tt.want {
			t.Errorf("formatOffset(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
