package app

import (
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/seamless-hci/glovelink/internal/storage"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if config.List {
		return listSessions(ctx, config, logger)
	}

	dir := config.SessionDir
	if dir == "" {
		var err error
		if dir, err = lookupSessionDir(ctx, config); err != nil {
			return err
		}
	}

	path := filepath.Join(dir, config.Stream+".csv")
	trace, err := ReadTrace(path)
	if err != nil {
		return err
	}

	logger.Info("trace loaded",
		slog.String("stream", config.Stream),
		slog.String("model", trace.Model),
		slog.String("rows", humanize.Comma(int64(trace.Rows()))),
		slog.Duration("span", trace.Span()))

	renderer, err := NewTraceRenderer(RenderConfig{
		Width:  config.Width,
		Height: config.Height,
	})
	if err != nil {
		return fmt.Errorf("creating trace renderer: %w", err)
	}

	img, err := renderer.Render(trace, config.Columns)
	if err != nil {
		return fmt.Errorf("rendering trace: %w", err)
	}

	logger.Info("writing image",
		slog.String("destination", config.OutputFile),
		slog.String("format", string(config.Format)),
		slog.Int("width", img.Bounds().Dx()),
		slog.Int("height", img.Bounds().Dy()))

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	switch config.Format {
	case ImagePNG:
		err = png.Encode(out, img)

	case ImageJPEG:
		err = jpeg.Encode(out, img, &jpeg.Options{
			Quality: 98,
		})
	}
	return err
}

// lookupSessionDir resolves the recording directory of a catalogued
// session.
func lookupSessionDir(ctx context.Context, config *Config) (string, error) {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return "", fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.New(config.DBPath)
	defer store.Close()

	record, err := store.Session(ctx, config.SessionID)
	if err != nil {
		return "", err
	}
	return record.Directory, nil
}

func listSessions(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.New(config.DBPath)
	defer store.Close()

	records, err := store.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		logger.Info("no sessions recorded")
		return nil
	}

	fmt.Printf("%-4s %-20s %-16s %-36s %-10s %-8s %s\n",
		"ID", "DEVICE", "MODEL", "STARTED", "RECORDS", "DROPPED", "DIRECTORY")
	for _, r := range records {
		started := fmt.Sprintf("%s (%s)",
			r.StartedAt.Local().Format(time.DateTime), humanize.Time(r.StartedAt))
		fmt.Printf("%-4d %-20s %-16s %-36s %-10s %-8d %s\n",
			r.ID, r.Device, r.Model.String,
			started,
			humanize.Comma(r.Records), r.Dropped, r.Directory)
	}
	return nil
}
