package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	dpi      = 96.0
	fontSize = 12.0

	tickMarkLength = 5
	pixelsPerXTick = 150
	pixelsPerYTick = 60

	// Default border sizes in pixels
	defaultTopBorder    = 40
	defaultLeftBorder   = 80
	defaultBottomBorder = 50
	defaultRightBorder  = 30
)

var (
	gridColor = color.RGBA{R: 225, G: 225, B: 225, A: 255}
	axisColor = color.RGBA{R: 70, G: 70, B: 70, A: 255}

	// seriesPalette cycles when a stream has more columns than colors
	seriesPalette = []color.RGBA{
		{R: 214, G: 69, B: 65, A: 255},
		{R: 31, G: 119, B: 180, A: 255},
		{R: 44, G: 160, B: 44, A: 255},
		{R: 255, G: 127, B: 14, A: 255},
		{R: 148, G: 103, B: 189, A: 255},
		{R: 140, G: 86, B: 75, A: 255},
		{R: 23, G: 190, B: 207, A: 255},
		{R: 127, G: 127, B: 127, A: 255},
	}
)

// BorderConfig defines the sizes of white space around the plot area
type BorderConfig struct {
	Top    int // Space for the legend
	Left   int // Space for the value scale
	Bottom int // Space for the time scale and information bar
	Right  int // Right padding
}

// RenderConfig holds the configuration options for trace visualization
type RenderConfig struct {
	Width    int     // Plot area width in pixels
	Height   int     // Plot area height in pixels
	FontSize float64 // Font size in points

	BorderConfig BorderConfig
}

// TraceRenderer draws the columns of a trace as time series lines
type TraceRenderer struct {
	config RenderConfig
	font   *truetype.Font
}

// NewTraceRenderer creates a trace renderer with the given configuration
func NewTraceRenderer(config RenderConfig) (*TraceRenderer, error) {
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.BorderConfig.Top == 0 {
		config.BorderConfig.Top = defaultTopBorder
	}
	if config.BorderConfig.Left == 0 {
		config.BorderConfig.Left = defaultLeftBorder
	}
	if config.BorderConfig.Bottom == 0 {
		config.BorderConfig.Bottom = defaultBottomBorder
	}
	if config.BorderConfig.Right == 0 {
		config.BorderConfig.Right = defaultRightBorder
	}

	parsedFont, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	return &TraceRenderer{config: config, font: parsedFont}, nil
}

// Render creates an image of the selected trace columns with scales, a
// legend and an information bar. An empty column list plots them all.
func (r *TraceRenderer) Render(trace *Trace, columns []string) (*image.RGBA, error) {
	selected, err := resolveColumns(trace, columns)
	if err != nil {
		return nil, err
	}
	low, high, err := valueBounds(trace, selected)
	if err != nil {
		return nil, err
	}

	borders := r.config.BorderConfig
	fullWidth := r.config.Width + borders.Left + borders.Right
	fullHeight := r.config.Height + borders.Top + borders.Bottom
	img := image.NewRGBA(image.Rect(0, 0, fullWidth, fullHeight))

	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	area := image.Rect(
		borders.Left,
		borders.Top,
		borders.Left+r.config.Width,
		borders.Top+r.config.Height,
	)

	ann, err := r.newAnnotator(img)
	if err != nil {
		return nil, fmt.Errorf("creating annotator: %w", err)
	}

	r.drawScales(img, ann, area, trace, low, high)
	r.drawSeries(img, area, trace, selected, low, high)
	r.drawLegend(img, ann, area, trace, selected)
	r.drawInfo(ann, area, trace)

	return img, nil
}

type annotator struct {
	context *freetype.Context
	face    font.Face
}

func (r *TraceRenderer) newAnnotator(img *image.RGBA) (*annotator, error) {
	context := freetype.NewContext()
	context.SetDPI(dpi)
	context.SetFont(r.font)
	context.SetFontSize(r.config.FontSize)
	context.SetHinting(font.HintingNone)
	context.SetSrc(image.NewUniform(axisColor))
	context.SetClip(img.Bounds())
	context.SetDst(img)

	return &annotator{
		context: context,
		face: truetype.NewFace(r.font, &truetype.Options{
			Size:    r.config.FontSize,
			DPI:     dpi,
			Hinting: font.HintingNone,
		}),
	}, nil
}

func (a *annotator) drawString(s string, x, y int) {
	_, _ = a.context.DrawString(s, freetype.Pt(x, y))
}

func (a *annotator) width(s string) int {
	return font.MeasureString(a.face, s).Ceil()
}

// drawScales draws the plot frame, grid lines, tick marks and labels.
func (r *TraceRenderer) drawScales(img *image.RGBA, ann *annotator, area image.Rectangle, trace *Trace, low, high float64) {
	drawRect(img, area, axisColor)

	span := trace.Span()
	xTicks := area.Dx() / pixelsPerXTick
	if xTicks < 1 {
		xTicks = 1
	}
	for i := 0; i <= xTicks; i++ {
		x := area.Min.X + i*area.Dx()/xTicks
		if i > 0 && i < xTicks {
			drawLine(img, x, area.Min.Y+1, x, area.Max.Y-1, gridColor)
		}
		drawLine(img, x, area.Max.Y, x, area.Max.Y+tickMarkLength, axisColor)

		label := formatOffset(span * time.Duration(i) / time.Duration(xTicks))
		ann.drawString(label, x-ann.width(label)/2, area.Max.Y+tickMarkLength+14)
	}

	yTicks := area.Dy() / pixelsPerYTick
	if yTicks < 1 {
		yTicks = 1
	}
	for i := 0; i <= yTicks; i++ {
		y := area.Max.Y - i*area.Dy()/yTicks
		if i > 0 && i < yTicks {
			drawLine(img, area.Min.X+1, y, area.Max.X-1, y, gridColor)
		}
		drawLine(img, area.Min.X-tickMarkLength, y, area.Min.X, y, axisColor)

		label := humanize.CommafWithDigits(low+(high-low)*float64(i)/float64(yTicks), 2)
		ann.drawString(label, area.Min.X-tickMarkLength-ann.width(label)-4, y+5)
	}
}

// drawSeries plots one polyline per selected column. Samples flagged
// invalid leave a gap instead of a point.
func (r *TraceRenderer) drawSeries(img *image.RGBA, area image.Rectangle, trace *Trace, selected []int, low, high float64) {
	span := trace.Span()
	for si, col := range selected {
		c := seriesPalette[si%len(seriesPalette)]

		prevX, prevY, pen := 0, 0, false
		for row := 0; row < trace.Rows(); row++ {
			if !trace.Valid[row] {
				pen = false
				continue
			}
			x := area.Min.X
			if span > 0 {
				x += int(float64(area.Dx()-1) * float64(trace.Times[row]) / float64(span))
			}
			y := area.Max.Y - 1
			if high > low {
				y -= int(float64(area.Dy()-2) * (trace.Values[row][col] - low) / (high - low))
			}

			if pen {
				drawLine(img, prevX, prevY, x, y, c)
			} else {
				img.Set(x, y, c)
			}
			prevX, prevY, pen = x, y, true
		}
	}
}

func (r *TraceRenderer) drawLegend(img *image.RGBA, ann *annotator, area image.Rectangle, trace *Trace, selected []int) {
	x := area.Min.X
	y := area.Min.Y - 14
	for si, col := range selected {
		c := seriesPalette[si%len(seriesPalette)]
		swatch := image.Rect(x, y-9, x+10, y+1)
		draw.Draw(img, swatch, image.NewUniform(c), image.Point{}, draw.Src)

		name := trace.Columns[col]
		ann.drawString(name, x+14, y)
		x += 14 + ann.width(name) + 18
	}
}

func (r *TraceRenderer) drawInfo(ann *annotator, area image.Rectangle, trace *Trace) {
	model := trace.Model
	if model == "" {
		model = "glove"
	}
	info := fmt.Sprintf("%s, firmware %s: %s rows over %s, recorded %s",
		model, trace.Firmware,
		humanize.Comma(int64(trace.Rows())),
		formatOffset(trace.Span()),
		trace.Start.Format(time.DateTime))
	ann.drawString(info, area.Min.X, area.Max.Y+tickMarkLength+32)
}

func resolveColumns(trace *Trace, columns []string) ([]int, error) {
	if len(columns) == 0 {
		selected := make([]int, len(trace.Columns))
		for i := range selected {
			selected[i] = i
		}
		return selected, nil
	}

	selected := make([]int, 0, len(columns))
	for _, name := range columns {
		i, ok := trace.Column(name)
		if !ok {
			return nil, fmt.Errorf("unknown column '%s', stream has [%s]",
				name, strings.Join(trace.Columns, ", "))
		}
		selected = append(selected, i)
	}
	return selected, nil
}

// valueBounds finds the value range of the selected columns across all
// valid samples, padded so lines keep clear of the frame.
func valueBounds(trace *Trace, selected []int) (low, high float64, err error) {
	found := false
	for row := 0; row < trace.Rows(); row++ {
		if !trace.Valid[row] {
			continue
		}
		for _, col := range selected {
			v := trace.Values[row][col]
			if !found {
				low, high, found = v, v, true
				continue
			}
			if v < low {
				low = v
			}
			if v > high {
				high = v
			}
		}
	}
	if !found {
		return 0, 0, fmt.Errorf("trace holds no valid samples")
	}

	if high == low {
		low, high = low-1, high+1
	}
	pad := (high - low) * 0.05
	return low - pad, high + pad, nil
}

func formatOffset(d time.Duration) string {
	if d < 2*time.Second {
		v, suffix := humanize.ComputeSI(d.Seconds())
		return fmt.Sprintf("%.3g %ss", v, suffix)
	}
	return d.Truncate(100 * time.Millisecond).String()
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func drawRect(img *image.RGBA, rect image.Rectangle, c color.Color) {
	drawLine(img, rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y, c)
	drawLine(img, rect.Max.X, rect.Min.Y, rect.Max.X, rect.Max.Y, c)
	drawLine(img, rect.Max.X, rect.Max.Y, rect.Min.X, rect.Max.Y, c)
	drawLine(img, rect.Min.X, rect.Max.Y, rect.Min.X, rect.Min.Y, c)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
