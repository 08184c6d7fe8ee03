package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrMalformed is returned for any element or operation that fails validation.
var ErrMalformed = errors.New("malformed")

// Kind is the closed set of drawable element variants.
type Kind string

const (
	KindFreehand   Kind = "freehand"
	KindLine       Kind = "line"
	KindRectangle  Kind = "rectangle"
	KindEllipse    Kind = "ellipse"
	KindArrow      Kind = "arrow"
	KindText       Kind = "text"
	KindImage      Kind = "image"
	KindStickyNote Kind = "sticky-note"
)

const (
	maxPoints      = 10000
	maxTextRunes   = 10000
	maxStrokeWidth = 100
)

var colorPattern = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// Point is a position on the canvas.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Style holds the visual attributes shared by every kind.
type Style struct {
	StrokeColor string  `json:"strokeColor,omitempty"`
	FillColor   string  `json:"fillColor,omitempty"`
	StrokeWidth float64 `json:"strokeWidth"`
	Opacity     float64 `json:"opacity"`
}

// Element is a drawable object on the board.
type Element struct {
	// ID is the unique identifier of the element, generated by the client.
	ID string

	// Kind selects the payload variant.
	Kind Kind

	// X and Y are the origin of the element.
	X float64
	Y float64

	// Width and Height are optional, zero means unset.
	Width  float64
	Height float64

	Style Style

	// Data is the kind specific payload.
	Data Payload

	// Version is the server sequence number of the last operation that touched the element.
	Version uint64
}

type elementJSON struct {
	ID     string  `json:"id"`
	Kind   Kind    `json:"kind"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	Style
	Data    json.RawMessage `json:"data,omitempty"`
	Version uint64          `json:"version"`
}

func (e Element) MarshalJSON() ([]byte, error) {
	raw := elementJSON{
		ID:      e.ID,
		Kind:    e.Kind,
		X:       e.X,
		Y:       e.Y,
		Width:   e.Width,
		Height:  e.Height,
		Style:   e.Style,
		Version: e.Version,
	}
	if e.Data != nil {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("error marshaling %s payload: %w", e.Kind, err)
		}
		raw.Data = data
	}
	return json.Marshal(raw)
}

func (e *Element) UnmarshalJSON(b []byte) error {
	var raw elementJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	payload, err := decodePayload(raw.Kind, raw.Data)
	if err != nil {
		return err
	}
	*e = Element{
		ID:      raw.ID,
		Kind:    raw.Kind,
		X:       raw.X,
		Y:       raw.Y,
		Width:   raw.Width,
		Height:  raw.Height,
		Style:   raw.Style,
		Data:    payload,
		Version: raw.Version,
	}
	return nil
}

// Validate checks the element against its kind's rules and the canvas bounds.
func (e *Element) Validate(bounds Bounds) error {
	if e.ID == "" {
		return fmt.Errorf("element id is empty: %w", ErrMalformed)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown kind %q: %w", e.Kind, ErrMalformed)
	}
	if e.Width < 0 || e.Height < 0 {
		return fmt.Errorf("negative size: %w", ErrMalformed)
	}
	if !bounds.Contains(e.X, e.Y) {
		return fmt.Errorf("origin (%g, %g) outside canvas: %w", e.X, e.Y, ErrMalformed)
	}
	if err := e.Style.validate(); err != nil {
		return err
	}
	if e.Data == nil {
		return fmt.Errorf("%s has no payload: %w", e.Kind, ErrMalformed)
	}
	if e.Data.Kind() != e.Kind {
		return fmt.Errorf("payload %s does not match kind %s: %w", e.Data.Kind(), e.Kind, ErrMalformed)
	}
	return e.Data.Validate(e)
}

// Clone returns a deep copy of the element.
func (e Element) Clone() Element {
	if e.Data != nil {
		e.Data = e.Data.clone()
	}
	return e
}

func (s Style) validate() error {
	for _, c := range []string{s.StrokeColor, s.FillColor} {
		if c == "" || c == "transparent" || colorPattern.MatchString(c) {
			continue
		}
		return fmt.Errorf("invalid color %q: %w", c, ErrMalformed)
	}
	if s.StrokeWidth < 0 || s.StrokeWidth > maxStrokeWidth {
		return fmt.Errorf("stroke width %g out of range: %w", s.StrokeWidth, ErrMalformed)
	}
	if s.Opacity < 0 || s.Opacity > 1 {
		return fmt.Errorf("opacity %g out of range: %w", s.Opacity, ErrMalformed)
	}
	return nil
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFreehand, KindLine, KindRectangle, KindEllipse, KindArrow, KindText, KindImage, KindStickyNote:
		return true
	}
	return false
}

// Bounds is the canvas size of a room. A zero dimension is unbounded.
type Bounds struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

func (b Bounds) Contains(x, y float64) bool {
	if b.Width > 0 && (x < 0 || x > b.Width) {
		return false
	}
	if b.Height > 0 && (y < 0 || y > b.Height) {
		return false
	}
	return true
}

// Clamp moves a point into the bounds.
func (b Bounds) Clamp(x, y float64) (float64, float64) {
	if b.Width > 0 {
		x = min(max(x, 0), b.Width)
	}
	if b.Height > 0 {
		y = min(max(y, 0), b.Height)
	}
	return x, y
}
