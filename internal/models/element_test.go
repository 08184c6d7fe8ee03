package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElementJSONKeepsPayloadVariant(t *testing.T) {
	in := []byte(`{
		"id": "a1", "kind": "arrow", "x": 1, "y": 2,
		"strokeColor": "#ff0000", "strokeWidth": 2, "opacity": 0.5,
		"data": {"points": [{"x": 0, "y": 0}, {"x": 10, "y": 10}], "endArrowhead": "triangle"},
		"version": 7
	}`)

	var el Element
	require.NoError(t, json.Unmarshal(in, &el))

	arrow, ok := el.Data.(*ArrowData)
	require.True(t, ok, "payload decoded as %T", el.Data)
	assert.Equal(t, "triangle", arrow.EndArrowhead)
	assert.Len(t, arrow.Points, 2)
	assert.Equal(t, "#ff0000", el.Style.StrokeColor)
	assert.Equal(t, uint64(7), el.Version)
	assert.NoError(t, el.Validate(Bounds{}))

	out, err := json.Marshal(el)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"endArrowhead":"triangle"`)
	assert.Contains(t, string(out), `"strokeColor":"#ff0000"`)
}

func TestElementJSONRejectsUnknownKind(t *testing.T) {
	var el Element
	err := json.Unmarshal([]byte(`{"id":"x","kind":"hexagon"}`), &el)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestElementJSONRejectsMistypedPayload(t *testing.T) {
	var el Element
	err := json.Unmarshal([]byte(`{"id":"x","kind":"text","data":{"text":42}}`), &el)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestElementValidate(t *testing.T) {
	base := func(kind Kind, data Payload) Element {
		return Element{
			ID: "e1", Kind: kind, X: 10, Y: 10, Width: 20, Height: 20,
			Style: Style{StrokeWidth: 1, Opacity: 1},
			Data:  data,
		}
	}

	tests := []struct {
		name    string
		element Element
		bounds  Bounds
		wantErr bool
	}{
		{name: "rectangle", element: base(KindRectangle, &RectangleData{CornerRadius: 4})},
		{name: "ellipse without size", element: func() Element {
			e := base(KindEllipse, &EllipseData{})
			e.Width = 0
			return e
		}(), wantErr: true},
		{name: "freehand", element: base(KindFreehand, &FreehandData{Points: []Point{{1, 1}}})},
		{name: "freehand without points", element: base(KindFreehand, &FreehandData{}), wantErr: true},
		{name: "freehand pressure mismatch", element: base(KindFreehand, &FreehandData{
			Points: []Point{{1, 1}, {2, 2}}, Pressures: []float64{0.5},
		}), wantErr: true},
		{name: "line with three points", element: base(KindLine, &LineData{Points: []Point{{0, 0}, {1, 1}, {2, 2}}}), wantErr: true},
		{name: "arrow bad head", element: base(KindArrow, &ArrowData{Points: []Point{{0, 0}, {1, 1}}, EndArrowhead: "star"}), wantErr: true},
		{name: "text", element: base(KindText, &TextData{Text: "hello", FontSize: 16})},
		{name: "blank text", element: base(KindText, &TextData{Text: "   ", FontSize: 16}), wantErr: true},
		{name: "huge text", element: base(KindText, &TextData{Text: strings.Repeat("x", maxTextRunes+1), FontSize: 16}), wantErr: true},
		{name: "image url", element: base(KindImage, &ImageData{Source: "https://example.com/a.png"})},
		{name: "image data uri", element: base(KindImage, &ImageData{Source: "data:image/png;base64,AAAA"})},
		{name: "image file path", element: base(KindImage, &ImageData{Source: "/etc/passwd"}), wantErr: true},
		{name: "sticky note", element: base(KindStickyNote, &StickyNoteData{Text: "todo"})},
		{name: "payload kind mismatch", element: base(KindRectangle, &EllipseData{}), wantErr: true},
		{name: "missing payload", element: base(KindRectangle, nil), wantErr: true},
		{name: "bad color", element: func() Element {
			e := base(KindRectangle, &RectangleData{})
			e.Style.FillColor = "red"
			return e
		}(), wantErr: true},
		{name: "opacity above one", element: func() Element {
			e := base(KindRectangle, &RectangleData{})
			e.Style.Opacity = 1.5
			return e
		}(), wantErr: true},
		{name: "outside bounds", element: base(KindRectangle, &RectangleData{}), bounds: Bounds{Width: 5, Height: 5}, wantErr: true},
		{name: "inside bounds", element: base(KindRectangle, &RectangleData{}), bounds: Bounds{Width: 500, Height: 500}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.element.Validate(tt.bounds)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOperationValidateFillsElementID(t *testing.T) {
	op := Operation{
		Type: OpAdd,
		Payload: &Element{
			ID: "r1", Kind: KindRectangle, Width: 1, Height: 1,
			Style: Style{Opacity: 1},
			Data:  &RectangleData{},
		},
	}
	require.NoError(t, op.Validate(Bounds{}))
	assert.Equal(t, "r1", op.ElementID)

	op.ElementID = "other"
	assert.ErrorIs(t, op.Validate(Bounds{}), ErrMalformed)
}

func TestOperationValidateEnvelope(t *testing.T) {
	assert.ErrorIs(t, (&Operation{Type: OpDelete}).Validate(Bounds{}), ErrMalformed)
	assert.ErrorIs(t, (&Operation{Type: OpClear, ElementID: "x"}).Validate(Bounds{}), ErrMalformed)
	assert.ErrorIs(t, (&Operation{Type: "paint"}).Validate(Bounds{}), ErrMalformed)
	assert.ErrorIs(t, (&Operation{Type: OpUpdate, ElementID: "x"}).Validate(Bounds{}), ErrMalformed)
	assert.NoError(t, (&Operation{Type: OpDelete, ElementID: "x"}).Validate(Bounds{}))
	assert.NoError(t, (&Operation{Type: OpClear}).Validate(Bounds{}))
}

func TestRolePrivileges(t *testing.T) {
	assert.True(t, RoleOwner.CanClear())
	assert.True(t, RoleModerator.CanClear())
	assert.False(t, RoleCollaborator.CanClear())
	assert.True(t, RoleCollaborator.CanMutate())
	assert.False(t, RoleViewer.CanMutate())
	assert.True(t, RoleViewer.Valid())
	assert.False(t, Role("admin").Valid())
	assert.False(t, Role("admin").CanMutate())
}

func TestBoundsClamp(t *testing.T) {
	b := Bounds{Width: 100, Height: 50}
	x, y := b.Clamp(-5, 80)
	assert.Equal(t, float64(0), x)
	assert.Equal(t, float64(50), y)

	x, y = Bounds{}.Clamp(-5, 80)
	assert.Equal(t, float64(-5), x)
	assert.Equal(t, float64(80), y)
}
