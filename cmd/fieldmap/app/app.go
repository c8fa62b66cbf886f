package app

import (
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openacre/mowcore/internal/audit"
	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/nav"
)

// boundaryFile mirrors the boundaries section of the daemon configuration,
// so the same file drives both the robot and this renderer.
type boundaryFile struct {
	Boundaries []struct {
		Name     string `yaml:"name"`
		Kind     string `yaml:"kind"`
		Active   bool   `yaml:"active"`
		Vertices []struct {
			X float64 `yaml:"x"`
			Y float64 `yaml:"y"`
		} `yaml:"vertices"`
	} `yaml:"boundaries"`
}

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	geofence, err := loadGeofence(config.BoundaryFile)
	if err != nil {
		return fmt.Errorf("loading boundaries: %w", err)
	}

	store := audit.New(config.DBPath)
	defer store.Close()

	track, err := store.Track(ctx, config.SessionID)
	if err != nil {
		return fmt.Errorf("reading track: %w", err)
	}

	logger.Info("track loaded",
		slog.Int64("sessionID", config.SessionID),
		slog.Int("points", len(track)))

	var planned []control.Point
	if geofence.Armed() {
		if planned, err = nav.PlanCoverage(geofence, config.LaneSpacingM); err != nil {
			logger.Warn("coverage planning failed, rendering without overlay", slog.Any("error", err))
		}
	}

	renderer, err := NewFieldRenderer(RenderConfig{
		PixelsPerM:    config.PixelsPerM,
		FontFile:      config.FontFile,
		NoAnnotations: config.NoAnnotations,
	})
	if err != nil {
		return fmt.Errorf("creating renderer: %w", err)
	}

	img, err := renderer.Render(geofence, planned, track)
	if err != nil {
		return fmt.Errorf("rendering field map: %w", err)
	}

	logger.Info("rendering field map",
		slog.Group("image",
			slog.String("destination", config.OutputFile),
			slog.String("format", string(config.Format)),
			slog.Int("width", img.Bounds().Dx()),
			slog.Int("height", img.Bounds().Dy()),
		))

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

func loadGeofence(path string) (*nav.Geofence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file boundaryFile
	if err = yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	boundaries := make([]nav.Boundary, len(file.Boundaries))
	for i, b := range file.Boundaries {
		vertices := make([]control.Point, len(b.Vertices))
		for j, v := range b.Vertices {
			vertices[j] = control.Point{X: v.X, Y: v.Y}
		}
		boundaries[i] = nav.Boundary{
			Name:     b.Name,
			Kind:     nav.BoundaryKind(b.Kind),
			Active:   b.Active,
			Vertices: vertices,
		}
	}

	return nav.NewGeofence(boundaries...)
}
