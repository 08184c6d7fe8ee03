// Package presence tracks who is in a room, where their cursor is and
// whether they are still sending heartbeats.
package presence

import (
	"sort"
	"time"

	"github.com/Icerzack/excalisync/internal/models"
)

// Palette is the cycle of cursor colors handed out in join order.
var Palette = []string{
	"#e03131", "#2f9e44", "#1971c2", "#f08c00",
	"#9c36b5", "#0c8599", "#e8590c", "#6741d9",
}

// Tracker is owned by a single room goroutine and is not safe for concurrent use.
type Tracker struct {
	participants map[string]*models.Participant
	bounds       models.Bounds

	// joins counts every join, it drives the color rotation
	joins int
}

func NewTracker(bounds models.Bounds) *Tracker {
	return &Tracker{
		participants: make(map[string]*models.Participant),
		bounds:       bounds,
	}
}

// Join adds a participant, assigns its cursor color and marks it online.
func (t *Tracker) Join(p models.Participant, now time.Time) models.Participant {
	p.CursorColor = Palette[t.joins%len(Palette)]
	p.Online = true
	p.JoinedAt = now
	p.LastSeen = now
	p.Cursor = nil
	t.joins++
	t.participants[p.ID] = &p
	return p
}

// Leave removes a participant and reports whether it was present.
func (t *Tracker) Leave(id string) bool {
	if _, ok := t.participants[id]; !ok {
		return false
	}
	delete(t.participants, id)
	return true
}

func (t *Tracker) Get(id string) (models.Participant, bool) {
	p, ok := t.participants[id]
	if !ok {
		return models.Participant{}, false
	}
	return clone(p), true
}

// Move records the latest cursor position, clamped to the canvas. Only the
// last position matters so earlier ones are simply overwritten.
func (t *Tracker) Move(id string, c models.Cursor) (models.Cursor, bool) {
	p, ok := t.participants[id]
	if !ok {
		return models.Cursor{}, false
	}
	c.X, c.Y = t.bounds.Clamp(c.X, c.Y)
	p.Cursor = &c
	return c, true
}

// Touch records a heartbeat and reports whether the participant came back online.
func (t *Tracker) Touch(id string, now time.Time) bool {
	p, ok := t.participants[id]
	if !ok {
		return false
	}
	p.LastSeen = now
	if p.Online {
		return false
	}
	p.Online = true
	return true
}

// Expire marks participants silent for longer than timeout as offline and
// returns their ids.
func (t *Tracker) Expire(now time.Time, timeout time.Duration) []string {
	var expired []string
	for id, p := range t.participants {
		if p.Online && now.Sub(p.LastSeen) > timeout {
			p.Online = false
			p.Cursor = nil
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// Evict removes participants silent for longer than after and returns their ids.
func (t *Tracker) Evict(now time.Time, after time.Duration) []string {
	var evicted []string
	for id, p := range t.participants {
		if now.Sub(p.LastSeen) > after {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		delete(t.participants, id)
	}
	sort.Strings(evicted)
	return evicted
}

// List returns the participants in join order.
func (t *Tracker) List() []models.Participant {
	list := make([]models.Participant, 0, len(t.participants))
	for _, p := range t.participants {
		list = append(list, clone(p))
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (t *Tracker) Len() int {
	return len(t.participants)
}

func (t *Tracker) OnlineCount() int {
	n := 0
	for _, p := range t.participants {
		if p.Online {
			n++
		}
	}
	return n
}

func clone(p *models.Participant) models.Participant {
	c := *p
	if p.Cursor != nil {
		cursor := *p.Cursor
		c.Cursor = &cursor
	}
	return c
}
