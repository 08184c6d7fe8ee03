// Package export renders room snapshots to printable documents.
package export

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"github.com/Icerzack/excalisync/internal/models"
)

const (
	pageWidth  = 297.0
	pageHeight = 210.0
	margin     = 10.0
)

// PDF draws the elements of a snapshot on a single landscape A4 page,
// scaled to fit, and writes the document to w.
func PDF(w io.Writer, snapshot models.RoomSnapshot) error {
	p := gofpdf.New("L", "mm", "A4", "")
	p.SetTitle("Room "+snapshot.RoomID, true)
	p.SetCreator("excalisync", true)
	p.AddPage()

	minX, minY, maxX, maxY := extent(snapshot.Elements)
	scale := math.Min((pageWidth-2*margin)/math.Max(maxX-minX, 1), (pageHeight-2*margin)/math.Max(maxY-minY, 1))
	// small boards are not blown up
	scale = math.Min(scale, 1)
	tr := func(x, y float64) (float64, float64) {
		return margin + (x-minX)*scale, margin + (y-minY)*scale
	}

	for _, el := range snapshot.Elements {
		drawElement(p, el, scale, tr)
		if err := p.Error(); err != nil {
			return fmt.Errorf("draw element %s: %w", el.ID, err)
		}
	}
	return p.Output(w)
}

func drawElement(p *gofpdf.Fpdf, el models.Element, scale float64, tr func(x, y float64) (float64, float64)) {
	stroke, hasStroke := parseColor(el.Style.StrokeColor)
	if !hasStroke {
		stroke = [3]int{0, 0, 0}
	}
	fill, hasFill := parseColor(el.Style.FillColor)

	p.SetDrawColor(stroke[0], stroke[1], stroke[2])
	if hasFill {
		p.SetFillColor(fill[0], fill[1], fill[2])
	}
	p.SetLineWidth(math.Max(el.Style.StrokeWidth*scale*0.35, 0.1))
	opacity := el.Style.Opacity
	if opacity <= 0 {
		opacity = 1
	}
	p.SetAlpha(opacity, "Normal")
	defer p.SetAlpha(1, "Normal")

	style := "D"
	if hasFill {
		style = "DF"
	}
	x, y := tr(el.X, el.Y)
	w, h := el.Width*scale, el.Height*scale

	switch d := el.Data.(type) {
	case *models.RectangleData:
		// corner radius is not rendered
		p.Rect(x, y, w, h, style)
	case *models.EllipseData:
		p.Ellipse(x+w/2, y+h/2, w/2, h/2, 0, style)
	case *models.FreehandData:
		polyline(p, el, d.Points, tr)
	case *models.LineData:
		polyline(p, el, d.Points, tr)
	case *models.ArrowData:
		polyline(p, el, d.Points, tr)
		n := len(d.Points)
		if n >= 2 {
			if d.EndArrowhead != "" {
				arrowhead(p, el, d.Points[n-2], d.Points[n-1], scale, tr)
			}
			if d.StartArrowhead != "" {
				arrowhead(p, el, d.Points[1], d.Points[0], scale, tr)
			}
		}
	case *models.TextData:
		text(p, d.Text, d.FontSize, x, y, w, scale, d.TextAlign)
	case *models.StickyNoteData:
		if !hasFill {
			p.SetFillColor(255, 236, 153)
		}
		p.Rect(x, y, w, h, "DF")
		size := d.FontSize
		if size <= 0 {
			size = 16
		}
		p.SetTextColor(0, 0, 0)
		text(p, d.Text, size, x+2, y+2, w-4, scale, "left")
	case *models.ImageData:
		// remote images are not fetched, a crossed frame marks the spot
		p.Rect(x, y, w, h, "D")
		p.Line(x, y, x+w, y+h)
		p.Line(x+w, y, x, y+h)
	}
}

func polyline(p *gofpdf.Fpdf, el models.Element, points []models.Point, tr func(x, y float64) (float64, float64)) {
	for i := 1; i < len(points); i++ {
		x1, y1 := tr(el.X+points[i-1].X, el.Y+points[i-1].Y)
		x2, y2 := tr(el.X+points[i].X, el.Y+points[i].Y)
		p.Line(x1, y1, x2, y2)
	}
	if len(points) == 1 {
		x, y := tr(el.X+points[0].X, el.Y+points[0].Y)
		p.Circle(x, y, 0.2, "F")
	}
}

func arrowhead(p *gofpdf.Fpdf, el models.Element, from, to models.Point, scale float64, tr func(x, y float64) (float64, float64)) {
	angle := math.Atan2(to.Y-from.Y, to.X-from.X)
	length := math.Max(12*scale, 1.5)
	tipX, tipY := tr(el.X+to.X, el.Y+to.Y)
	for _, side := range []float64{-math.Pi / 7, math.Pi / 7} {
		p.Line(tipX, tipY, tipX-length*math.Cos(angle+side), tipY-length*math.Sin(angle+side))
	}
}

func text(p *gofpdf.Fpdf, s string, fontSize, x, y, w, scale float64, align string) {
	// font size is in canvas pixels, the page is in points
	size := math.Max(fontSize*scale*72/25.4*0.35, 4)
	p.SetFont("Helvetica", "", size)
	lineHeight := size * 25.4 / 72 * 1.2

	alignStr := "L"
	switch align {
	case "center":
		alignStr = "C"
	case "right":
		alignStr = "R"
	}
	tr := p.UnicodeTranslatorFromDescriptor("")
	p.SetXY(x, y)
	p.MultiCell(math.Max(w, 1), lineHeight, tr(s), "", alignStr, false)
}

func extent(elements []models.Element) (minX, minY, maxX, maxY float64) {
	if len(elements) == 0 {
		return 0, 0, 1, 1
	}
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	grow := func(x, y float64) {
		minX, minY = math.Min(minX, x), math.Min(minY, y)
		maxX, maxY = math.Max(maxX, x), math.Max(maxY, y)
	}
	for _, el := range elements {
		grow(el.X, el.Y)
		grow(el.X+el.Width, el.Y+el.Height)
		var points []models.Point
		switch d := el.Data.(type) {
		case *models.FreehandData:
			points = d.Points
		case *models.LineData:
			points = d.Points
		case *models.ArrowData:
			points = d.Points
		}
		for _, pt := range points {
			grow(el.X+pt.X, el.Y+pt.Y)
		}
	}
	return minX, minY, maxX, maxY
}

// parseColor understands #rgb, #rrggbb and #rrggbbaa. The alpha channel is ignored.
func parseColor(c string) ([3]int, bool) {
	c = strings.TrimPrefix(c, "#")
	if len(c) == 3 {
		c = string([]byte{c[0], c[0], c[1], c[1], c[2], c[2]})
	}
	if len(c) != 6 && len(c) != 8 {
		return [3]int{}, false
	}
	var rgb [3]int
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseUint(c[2*i:2*i+2], 16, 8)
		if err != nil {
			return [3]int{}, false
		}
		rgb[i] = int(v)
	}
	return rgb, true
}
