package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Icerzack/excalisync/internal/models"
)

func rect(id string, x float64) *models.Element {
	return &models.Element{
		ID:     id,
		Kind:   models.KindRectangle,
		X:      x,
		Y:      10,
		Width:  100,
		Height: 50,
		Style:  models.Style{StrokeColor: "#000000", StrokeWidth: 1, Opacity: 1},
		Data:   &models.RectangleData{},
	}
}

func add(seq uint64, el *models.Element) models.Operation {
	return models.Operation{Type: models.OpAdd, ElementID: el.ID, ServerSeq: seq, Payload: el}
}

func update(seq uint64, el *models.Element) models.Operation {
	return models.Operation{Type: models.OpUpdate, ElementID: el.ID, ServerSeq: seq, Payload: el}
}

func del(seq uint64, id string) models.Operation {
	return models.Operation{Type: models.OpDelete, ElementID: id, ServerSeq: seq}
}

func TestApplyAddSetsVersion(t *testing.T) {
	s := NewStore()

	require.True(t, s.Apply(add(1, rect("r1", 0))))

	el, ok := s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), el.Version)
	assert.Equal(t, uint64(1), s.Seq())
}

func TestApplyIgnoresUnsequenced(t *testing.T) {
	s := NewStore()

	assert.False(t, s.Apply(add(0, rect("r1", 0))))
	assert.Equal(t, 0, s.Len())
}

func TestApplyIsIdempotent(t *testing.T) {
	ops := []models.Operation{
		add(1, rect("r1", 0)),
		update(2, rect("r1", 40)),
		add(3, rect("r2", 5)),
		del(4, "r2"),
	}

	once := NewStore()
	for _, op := range ops {
		once.Apply(op)
	}

	twice := NewStore()
	for _, op := range ops {
		twice.Apply(op)
		twice.Apply(op)
	}

	assert.Equal(t, once.Snapshot(), twice.Snapshot())
}

func TestApplyLastWriteWins(t *testing.T) {
	s := NewStore()
	s.Apply(add(1, rect("r1", 0)))

	require.True(t, s.Apply(update(3, rect("r1", 300))))
	assert.False(t, s.Apply(update(2, rect("r1", 200))), "older update must be superseded")

	el, _ := s.Get("r1")
	assert.Equal(t, float64(300), el.X)
	assert.Equal(t, uint64(3), el.Version)
}

func TestApplyStaleDeleteDropped(t *testing.T) {
	s := NewStore()
	s.Apply(add(1, rect("r1", 0)))
	s.Apply(update(5, rect("r1", 10)))

	assert.False(t, s.Apply(del(4, "r1")))
	assert.Equal(t, 1, s.Len())
}

func TestApplyDeletedElementStaysDeleted(t *testing.T) {
	s := NewStore()
	s.Apply(add(1, rect("r1", 0)))
	s.Apply(del(2, "r1"))

	assert.False(t, s.Apply(add(1, rect("r1", 0))), "replayed add must not resurrect")
	assert.False(t, s.Apply(update(3, rect("r1", 9))))
	assert.Equal(t, 0, s.Len())
}

func TestApplyClearTruncatesOlderOps(t *testing.T) {
	s := NewStore()
	s.Apply(add(1, rect("r1", 0)))
	s.Apply(add(2, rect("r2", 0)))

	require.True(t, s.Apply(models.Operation{Type: models.OpClear, ServerSeq: 3}))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(3), s.ClearSeq())

	assert.False(t, s.Apply(add(2, rect("r2", 0))), "ops before the clear are truncated")
	assert.True(t, s.Apply(add(4, rect("r3", 0))))
}

func TestApplyRejectsKindChange(t *testing.T) {
	s := NewStore()
	s.Apply(add(1, rect("r1", 0)))

	changed := rect("r1", 0)
	changed.Kind = models.KindEllipse
	changed.Data = &models.EllipseData{}

	assert.False(t, s.Apply(update(2, changed)))
	assert.ErrorIs(t, s.Check(models.Operation{Type: models.OpUpdate, ElementID: "r1", Payload: changed}), ErrKindChanged)
}

func TestCheck(t *testing.T) {
	s := NewStore()
	s.Apply(add(1, rect("r1", 0)))
	s.Apply(add(2, rect("gone", 0)))
	s.Apply(del(3, "gone"))

	assert.NoError(t, s.Check(models.Operation{Type: models.OpAdd, ElementID: "r2"}))
	assert.ErrorIs(t, s.Check(models.Operation{Type: models.OpAdd, ElementID: "r1"}), ErrDuplicateElement)
	assert.ErrorIs(t, s.Check(models.Operation{Type: models.OpAdd, ElementID: "gone"}), ErrDuplicateElement)
	assert.ErrorIs(t, s.Check(models.Operation{Type: models.OpUpdate, ElementID: "nope", Payload: rect("nope", 0)}), ErrUnknownElement)
	assert.ErrorIs(t, s.Check(models.Operation{Type: models.OpDelete, ElementID: "gone"}), ErrUnknownElement)
	assert.NoError(t, s.Check(models.Operation{Type: models.OpClear}))
}

func TestSnapshotIsImmutable(t *testing.T) {
	s := NewStore()
	el := &models.Element{
		ID:   "f1",
		Kind: models.KindFreehand,
		Data: &models.FreehandData{Points: []models.Point{{X: 1, Y: 1}}},
	}
	s.Apply(add(1, el))

	snap := s.Snapshot()
	snap.Elements[0].Data.(*models.FreehandData).Points[0].X = 99
	snap.Elements[0].X = 42

	got, _ := s.Get("f1")
	assert.Equal(t, float64(1), got.Data.(*models.FreehandData).Points[0].X)
	assert.Equal(t, float64(0), got.X)

	// the caller's payload is not aliased either
	el.Data.(*models.FreehandData).Points[0].Y = 77
	got, _ = s.Get("f1")
	assert.Equal(t, float64(1), got.Data.(*models.FreehandData).Points[0].Y)
}

func TestElementsInCreationOrder(t *testing.T) {
	s := NewStore()
	s.Apply(add(1, rect("z", 0)))
	s.Apply(add(2, rect("a", 0)))
	s.Apply(update(3, rect("z", 1)))

	elements := s.Elements()
	require.Len(t, elements, 2)
	assert.Equal(t, "z", elements[0].ID)
	assert.Equal(t, "a", elements[1].ID)
}

func TestRestoreConverges(t *testing.T) {
	live := NewStore()
	live.Apply(add(1, rect("r1", 0)))
	live.Apply(add(2, rect("r2", 0)))
	live.Apply(update(3, rect("r1", 8)))

	restored := Restore(live.Snapshot())
	assert.Equal(t, live.Snapshot(), restored.Snapshot())

	next := add(4, rect("r3", 0))
	live.Apply(next)
	restored.Apply(next)
	assert.Equal(t, live.Elements(), restored.Elements())
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewStore()
	s.Apply(add(1, rect("r1", 0)))

	c := s.Clone()
	c.Apply(del(2, "r1"))

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 0, c.Len())
}

func TestRestoreKeepsTombstones(t *testing.T) {
	live := NewStore()
	live.Apply(add(1, rect("r1", 0)))
	live.Apply(del(2, "r1"))

	restored := Restore(live.Snapshot())
	assert.Equal(t, map[string]uint64{"r1": 2}, restored.Snapshot().Tombstones)

	readd := add(3, rect("r1", 0))
	assert.ErrorIs(t, live.Check(readd), ErrDuplicateElement)
	assert.ErrorIs(t, restored.Check(readd), ErrDuplicateElement)

	live.Apply(readd)
	restored.Apply(readd)
	assert.Equal(t, live.Elements(), restored.Elements())
	assert.Equal(t, 0, restored.Len())
}

func TestSnapshotTombstonesAreCopies(t *testing.T) {
	s := NewStore()
	s.Apply(add(1, rect("r1", 0)))
	s.Apply(del(2, "r1"))

	snap := s.Snapshot()
	snap.Tombstones["r2"] = 9
	assert.NotContains(t, s.Snapshot().Tombstones, "r2")

	s.Apply(models.Operation{Type: models.OpClear, ServerSeq: 3})
	assert.Empty(t, s.Snapshot().Tombstones)
}
