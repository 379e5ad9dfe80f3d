package app

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

const (
	ImagePNG  = "png"
	ImageJPEG = "jpeg"
)

type ImageFormat string

type Config struct {
	DBPath     string
	SessionID  int64
	SessionDir string
	List       bool

	Stream  string
	Columns []string

	OutputFile string
	Format     ImageFormat
	Width      int
	Height     int
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

func NewConfig() *Config {
	return &Config{
		Format: ImagePNG,
		Stream: "imu1",
		Width:  1400,
		Height: 500,
	}
}

func NewConfigFromCLI() (*Config, error) {
	c := NewConfig()

	var imageFormat, columns string
	flag.StringVar(&c.DBPath, "db", "", "Path to the session catalog database")
	flag.Int64Var(&c.SessionID, "s", 0, "Session ID in the catalog")
	flag.StringVar(&c.SessionDir, "d", "", "Path to a trace session directory (bypasses the catalog)")
	flag.BoolVar(&c.List, "list", false, "List recorded sessions and exit")
	flag.StringVar(&c.Stream, "stream", c.Stream, "Trace stream to plot. [imu1, imu2, sensors, gamepad, battery]")
	flag.StringVar(&columns, "cols", "", "Comma-separated columns to plot (default all)")
	flag.StringVar(&c.OutputFile, "o", "", "Path to the output file")
	flag.StringVar(&imageFormat, "f", string(ImagePNG), "Output image format. [png, jpeg]")
	flag.IntVar(&c.Width, "w", c.Width, "Plot area width in pixels")
	flag.IntVar(&c.Height, "h", c.Height, "Plot area height in pixels")
	flag.Parse()

	imageFormat = strings.ToLower(imageFormat)

	if columns != "" {
		for _, col := range strings.Split(columns, ",") {
			if col = strings.TrimSpace(col); col != "" {
				c.Columns = append(c.Columns, col)
			}
		}
	}

	var err error
	if c.List {
		if c.DBPath == "" {
			err = errors.New("db path is required to list sessions")
		}
	} else if c.SessionDir == "" && c.DBPath == "" {
		err = errors.New("db path or session directory is required")
	} else if c.SessionDir == "" && c.SessionID <= 0 {
		err = errors.New("session id is required")
	} else if c.Stream == "" {
		err = errors.New("stream name is required")
	} else if c.OutputFile == "" {
		err = errors.New("output file is required")
	} else if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
		err = fmt.Errorf("invalid image format: %s", imageFormat)
	} else if c.Width < 200 || c.Height < 100 {
		err = errors.New("plot area is too small")
	}

	if err != nil {
		flag.Usage()
		return nil, err
	}

	if !c.List {
		c.Format = ImageFormat(imageFormat)
		c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	}
	return c, nil
}
