package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/nav"
)

const (
	dpi      = 120.0
	fontSize = 12.0

	defaultMarginPx    = 40
	defaultBottomSpace = 40
)

var (
	colorInclusion = color.RGBA{R: 34, G: 139, B: 34, A: 255}
	colorExclusion = color.RGBA{R: 200, G: 60, B: 60, A: 255}
	colorPlanned   = color.RGBA{R: 190, G: 190, B: 190, A: 255}
	colorTrack     = color.RGBA{R: 30, G: 80, B: 200, A: 255}
)

// RenderConfig holds the field map rendering options.
type RenderConfig struct {
	PixelsPerM    float64
	FontFile      string
	FontSize      float64
	MarginPx      int
	NoAnnotations bool
}

// FieldRenderer draws the geofence, the planned coverage path and the driven
// track into one image.
type FieldRenderer struct {
	config RenderConfig
}

// NewFieldRenderer creates a renderer with the given configuration.
func NewFieldRenderer(config RenderConfig) (*FieldRenderer, error) {
	if config.PixelsPerM <= 0 {
		return nil, fmt.Errorf("pixels per meter must be positive: %f", config.PixelsPerM)
	}
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.MarginPx == 0 {
		config.MarginPx = defaultMarginPx
	}
	return &FieldRenderer{config: config}, nil
}

// Render produces the field map image. World Y grows north; image Y grows
// down, so the vertical axis is flipped during projection.
func (r *FieldRenderer) Render(geofence *nav.Geofence, planned, track []control.Point) (*image.RGBA, error) {
	boundaries := geofence.Boundaries()

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	extend := func(p control.Point) {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	for _, b := range boundaries {
		for _, v := range b.Vertices {
			extend(v)
		}
	}
	for _, p := range track {
		extend(p)
	}
	if math.IsInf(minX, 1) {
		return nil, fmt.Errorf("nothing to render: no boundaries and no track")
	}

	margin := r.config.MarginPx
	bottom := margin
	if !r.config.NoAnnotations {
		bottom += defaultBottomSpace
	}

	width := int((maxX-minX)*r.config.PixelsPerM) + 2*margin
	height := int((maxY-minY)*r.config.PixelsPerM) + margin + bottom

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	toPixel := func(p control.Point) image.Point {
		return image.Point{
			X: margin + int((p.X-minX)*r.config.PixelsPerM),
			Y: margin + int((maxY-p.Y)*r.config.PixelsPerM),
		}
	}

	// Exclusions first so boundary outlines stay visible on top.
	for _, b := range boundaries {
		if b.Kind == nav.BoundaryExclusion && b.Active {
			fillPolygon(img, b.Vertices, toPixel, color.RGBA{R: 245, G: 220, B: 220, A: 255})
		}
	}
	for _, b := range boundaries {
		if !b.Active {
			continue
		}
		outline := colorInclusion
		if b.Kind == nav.BoundaryExclusion {
			outline = colorExclusion
		}
		drawPolyline(img, b.Vertices, toPixel, outline, true)
	}

	drawPolyline(img, planned, toPixel, colorPlanned, false)
	drawPolyline(img, track, toPixel, colorTrack, false)

	if !r.config.NoAnnotations {
		if err := r.annotate(img, planned, track); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// annotate draws the information bar along the bottom edge.
func (r *FieldRenderer) annotate(img *image.RGBA, planned, track []control.Point) error {
	fontBytes, err := os.ReadFile(r.config.FontFile)
	if err != nil {
		return fmt.Errorf("reading font: %w", err)
	}
	parsedFont, err := freetype.ParseFont(fontBytes)
	if err != nil {
		return fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(r.config.FontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)
	ctx.SetClip(img.Bounds())
	ctx.SetDst(img)

	face := truetype.NewFace(parsedFont, &truetype.Options{
		Size:    r.config.FontSize,
		DPI:     dpi,
		Hinting: font.HintingNone,
	})
	defer face.Close()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Driven: %s", formatDistance(nav.PathLength(track))))
	if len(planned) > 0 {
		sb.WriteString(fmt.Sprintf("; Planned: %s", formatDistance(nav.PathLength(planned))))
	}
	sb.WriteString(fmt.Sprintf("; Scale: %spx/m", humanize.Ftoa(r.config.PixelsPerM)))

	metrics := face.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()
	textY := img.Bounds().Max.Y - (defaultBottomSpace-fontHeight)/2 - metrics.Descent.Round()

	pt := freetype.Pt(r.config.MarginPx, textY)
	if _, err = ctx.DrawString(sb.String(), pt); err != nil {
		return fmt.Errorf("drawing info text: %w", err)
	}
	return nil
}

func formatDistance(meters float64) string {
	if meters >= 1000 {
		return fmt.Sprintf("%skm", humanize.FtoaWithDigits(meters/1000, 2))
	}
	return fmt.Sprintf("%sm", humanize.FtoaWithDigits(meters, 1))
}

// drawPolyline draws line segments between consecutive points; closed also
// joins the last point back to the first.
func drawPolyline(img *image.RGBA, points []control.Point, toPixel func(control.Point) image.Point, c color.Color, closed bool) {
	if len(points) < 2 {
		return
	}
	for i := 1; i < len(points); i++ {
		drawLine(img, toPixel(points[i-1]), toPixel(points[i]), c)
	}
	if closed {
		drawLine(img, toPixel(points[len(points)-1]), toPixel(points[0]), c)
	}
}

// drawLine is Bresenham's algorithm.
func drawLine(img *image.RGBA, a, b image.Point, c color.Color) {
	dx := abs(b.X - a.X)
	dy := -abs(b.Y - a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	err := dx + dy

	x, y := a.X, a.Y
	for {
		img.Set(x, y, c)
		if x == b.X && y == b.Y {
			return
		}
		if e2 := 2 * err; e2 >= dy {
			err += dy
			x += sx
		} else {
			err += dx
			y += sy
		}
	}
}

// fillPolygon shades a polygon with horizontal scanlines.
func fillPolygon(img *image.RGBA, vertices []control.Point, toPixel func(control.Point) image.Point, c color.Color) {
	if len(vertices) < 3 {
		return
	}

	pixels := make([]image.Point, len(vertices))
	minY, maxY := math.MaxInt32, math.MinInt32
	for i, v := range vertices {
		pixels[i] = toPixel(v)
		minY = min(minY, pixels[i].Y)
		maxY = max(maxY, pixels[i].Y)
	}

	for y := minY; y <= maxY; y++ {
		var crossings []int
		j := len(pixels) - 1
		for i := 0; i < len(pixels); i++ {
			pi, pj := pixels[i], pixels[j]
			if (pi.Y > y) != (pj.Y > y) {
				x := pi.X + (y-pi.Y)*(pj.X-pi.X)/(pj.Y-pi.Y)
				crossings = append(crossings, x)
			}
			j = i
		}
		sort.Ints(crossings)
		for i := 0; i+1 < len(crossings); i += 2 {
			lo, hi := crossings[i], crossings[i+1]
			for x := lo; x <= hi; x++ {
				img.Set(x, y, c)
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
