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
	DBPath        string
	SessionID     int64
	BoundaryFile  string
	FontFile      string
	OutputFile    string
	Format        ImageFormat
	PixelsPerM    float64
	LaneSpacingM  float64
	Verbose       bool
	NoAnnotations bool
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

func NewConfig() *Config {
	return &Config{
		Format:       ImagePNG,
		PixelsPerM:   25,
		LaneSpacingM: 0.25,
	}
}

func NewConfigFromCLI() (*Config, error) {
	c := NewConfig()

	var imageFormat string
	flag.StringVar(&c.DBPath, "db", "", "Path to the session database file")
	flag.Int64Var(&c.SessionID, "s", 1, "Session ID")
	flag.StringVar(&c.BoundaryFile, "b", "", "Path to the daemon configuration file with boundary polygons")
	flag.StringVar(&c.FontFile, "font", "", "Path to a TrueType font for annotations")
	flag.StringVar(&c.OutputFile, "o", "", "Path to the output file")
	flag.StringVar(&imageFormat, "f", string(ImagePNG), "Output image format. [png, jpeg]")
	flag.Float64Var(&c.PixelsPerM, "scale", 25, "Pixels per meter")
	flag.Float64Var(&c.LaneSpacingM, "lane", 0.25, "Lane spacing in meters for the planned coverage overlay")
	flag.BoolVar(&c.Verbose, "verbose", false, "Enable more verbose output")
	flag.BoolVar(&c.NoAnnotations, "no-annotations", false, "Disable the information bar and legend")
	flag.Parse()

	imageFormat = strings.ToLower(imageFormat)

	var err error
	if c.DBPath == "" {
		err = errors.New("db path is required")
	} else if c.SessionID <= 0 {
		err = errors.New("session id is required")
	} else if c.BoundaryFile == "" {
		err = errors.New("boundary configuration file is required")
	} else if c.OutputFile == "" {
		err = errors.New("output file is required")
	} else if !c.NoAnnotations && c.FontFile == "" {
		err = errors.New("font file is required unless -no-annotations is set")
	} else if c.PixelsPerM <= 0 {
		err = errors.New("scale must be positive")
	} else if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
		err = fmt.Errorf("invalid image format: %s", imageFormat)
	}

	if err != nil {
		flag.Usage()
		return nil, err
	}

	c.Format = ImageFormat(imageFormat)
	c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	return c, nil
}
