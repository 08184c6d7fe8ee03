package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Payload is the kind specific part of an element.
type Payload interface {
	Kind() Kind
	Validate(e *Element) error
	clone() Payload
}

// FreehandData is a pen stroke.
type FreehandData struct {
	Points    []Point   `json:"points"`
	Pressures []float64 `json:"pressures,omitempty"`
}

// LineData is a straight segment.
type LineData struct {
	Points []Point `json:"points"`
}

// ArrowData is a polyline with optional heads.
type ArrowData struct {
	Points         []Point `json:"points"`
	StartArrowhead string  `json:"startArrowhead,omitempty"`
	EndArrowhead   string  `json:"endArrowhead,omitempty"`
}

type RectangleData struct {
	CornerRadius float64 `json:"cornerRadius,omitempty"`
}

type EllipseData struct{}

type TextData struct {
	Text       string  `json:"text"`
	FontFamily string  `json:"fontFamily,omitempty"`
	FontSize   float64 `json:"fontSize"`
	TextAlign  string  `json:"textAlign,omitempty"`
}

// ImageData references image content by URL or data URI.
type ImageData struct {
	Source   string `json:"source"`
	MimeType string `json:"mimeType,omitempty"`
}

type StickyNoteData struct {
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize,omitempty"`
}

func (*FreehandData) Kind() Kind   { return KindFreehand }
func (*LineData) Kind() Kind       { return KindLine }
func (*ArrowData) Kind() Kind      { return KindArrow }
func (*RectangleData) Kind() Kind  { return KindRectangle }
func (*EllipseData) Kind() Kind    { return KindEllipse }
func (*TextData) Kind() Kind       { return KindText }
func (*ImageData) Kind() Kind      { return KindImage }
func (*StickyNoteData) Kind() Kind { return KindStickyNote }

func (d *FreehandData) Validate(_ *Element) error {
	if err := validatePoints(d.Points, 1); err != nil {
		return err
	}
	if len(d.Pressures) != 0 && len(d.Pressures) != len(d.Points) {
		return fmt.Errorf("%d pressures for %d points: %w", len(d.Pressures), len(d.Points), ErrMalformed)
	}
	for _, p := range d.Pressures {
		if p < 0 || p > 1 {
			return fmt.Errorf("pressure %g out of range: %w", p, ErrMalformed)
		}
	}
	return nil
}

func (d *LineData) Validate(_ *Element) error {
	if len(d.Points) != 2 {
		return fmt.Errorf("line needs exactly 2 points, got %d: %w", len(d.Points), ErrMalformed)
	}
	return nil
}

func (d *ArrowData) Validate(_ *Element) error {
	if err := validatePoints(d.Points, 2); err != nil {
		return err
	}
	for _, head := range []string{d.StartArrowhead, d.EndArrowhead} {
		switch head {
		case "", "arrow", "triangle", "bar", "dot":
		default:
			return fmt.Errorf("unknown arrowhead %q: %w", head, ErrMalformed)
		}
	}
	return nil
}

func (d *RectangleData) Validate(e *Element) error {
	if err := requireSize(e); err != nil {
		return err
	}
	if d.CornerRadius < 0 {
		return fmt.Errorf("negative corner radius: %w", ErrMalformed)
	}
	return nil
}

func (d *EllipseData) Validate(e *Element) error {
	return requireSize(e)
}

func (d *TextData) Validate(_ *Element) error {
	if strings.TrimSpace(d.Text) == "" {
		return fmt.Errorf("empty text: %w", ErrMalformed)
	}
	if utf8.RuneCountInString(d.Text) > maxTextRunes {
		return fmt.Errorf("text too long: %w", ErrMalformed)
	}
	if d.FontSize <= 0 {
		return fmt.Errorf("font size must be positive: %w", ErrMalformed)
	}
	switch d.TextAlign {
	case "", "left", "center", "right":
	default:
		return fmt.Errorf("unknown text align %q: %w", d.TextAlign, ErrMalformed)
	}
	return nil
}

func (d *ImageData) Validate(e *Element) error {
	if err := requireSize(e); err != nil {
		return err
	}
	if strings.HasPrefix(d.Source, "data:") {
		return nil
	}
	u, err := url.Parse(d.Source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("image source %q is not an http(s) or data URI: %w", d.Source, ErrMalformed)
	}
	return nil
}

func (d *StickyNoteData) Validate(e *Element) error {
	if err := requireSize(e); err != nil {
		return err
	}
	if utf8.RuneCountInString(d.Text) > maxTextRunes {
		return fmt.Errorf("text too long: %w", ErrMalformed)
	}
	if d.FontSize < 0 {
		return fmt.Errorf("negative font size: %w", ErrMalformed)
	}
	return nil
}

func (d *FreehandData) clone() Payload {
	c := *d
	c.Points = clonePoints(d.Points)
	if d.Pressures != nil {
		c.Pressures = append([]float64(nil), d.Pressures...)
	}
	return &c
}

func (d *LineData) clone() Payload {
	return &LineData{Points: clonePoints(d.Points)}
}

func (d *ArrowData) clone() Payload {
	c := *d
	c.Points = clonePoints(d.Points)
	return &c
}

func (d *RectangleData) clone() Payload  { c := *d; return &c }
func (d *EllipseData) clone() Payload    { return &EllipseData{} }
func (d *TextData) clone() Payload       { c := *d; return &c }
func (d *ImageData) clone() Payload      { c := *d; return &c }
func (d *StickyNoteData) clone() Payload { c := *d; return &c }

// newPayload returns an empty payload of the given kind.
func newPayload(k Kind) (Payload, error) {
	switch k {
	case KindFreehand:
		return &FreehandData{}, nil
	case KindLine:
		return &LineData{}, nil
	case KindArrow:
		return &ArrowData{}, nil
	case KindRectangle:
		return &RectangleData{}, nil
	case KindEllipse:
		return &EllipseData{}, nil
	case KindText:
		return &TextData{}, nil
	case KindImage:
		return &ImageData{}, nil
	case KindStickyNote:
		return &StickyNoteData{}, nil
	}
	return nil, fmt.Errorf("unknown kind %q: %w", k, ErrMalformed)
}

func decodePayload(k Kind, data json.RawMessage) (Payload, error) {
	p, err := newPayload(k)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("error decoding %s payload: %w", k, ErrMalformed)
	}
	return p, nil
}

func validatePoints(points []Point, minCount int) error {
	if len(points) < minCount {
		return fmt.Errorf("need at least %d points, got %d: %w", minCount, len(points), ErrMalformed)
	}
	if len(points) > maxPoints {
		return fmt.Errorf("too many points (%d): %w", len(points), ErrMalformed)
	}
	return nil
}

func requireSize(e *Element) error {
	if e.Width <= 0 || e.Height <= 0 {
		return fmt.Errorf("%s needs a positive width and height: %w", e.Kind, ErrMalformed)
	}
	return nil
}

func clonePoints(points []Point) []Point {
	if points == nil {
		return nil
	}
	return append([]Point(nil), points...)
}
