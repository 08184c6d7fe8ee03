package room

import "github.com/Icerzack/excalisync/internal/models"

// OpLog is a fixed size ring of the most recent sequenced operations. The
// hub appends every operation it sequences, so sequence numbers in the log
// are contiguous.
type OpLog struct {
	ops   []models.Operation
	start int
	size  int
}

func NewOpLog(capacity int) *OpLog {
	return &OpLog{ops: make([]models.Operation, capacity)}
}

func (l *OpLog) Append(op models.Operation) {
	if len(l.ops) == 0 {
		return
	}
	if l.size < len(l.ops) {
		l.ops[(l.start+l.size)%len(l.ops)] = op
		l.size++
		return
	}
	l.ops[l.start] = op
	l.start = (l.start + 1) % len(l.ops)
}

func (l *OpLog) Len() int {
	return l.size
}

// Oldest returns the sequence number of the oldest buffered operation, zero when empty.
func (l *OpLog) Oldest() uint64 {
	if l.size == 0 {
		return 0
	}
	return l.ops[l.start].ServerSeq
}

// Newest returns the sequence number of the newest buffered operation, zero when empty.
func (l *OpLog) Newest() uint64 {
	if l.size == 0 {
		return 0
	}
	return l.ops[(l.start+l.size-1)%len(l.ops)].ServerSeq
}

// Since returns copies of every buffered operation after seq. It reports
// false when part of that range was already evicted.
func (l *OpLog) Since(seq uint64) ([]models.Operation, bool) {
	if l.size == 0 || seq+1 < l.Oldest() {
		return nil, false
	}
	if seq >= l.Newest() {
		return []models.Operation{}, true
	}

	skip := int(seq + 1 - l.Oldest())
	ops := make([]models.Operation, 0, l.size-skip)
	for i := skip; i < l.size; i++ {
		ops = append(ops, l.ops[(l.start+i)%len(l.ops)].Clone())
	}
	return ops, true
}
