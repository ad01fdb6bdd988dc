package fan

import (
	"fmt"

	"github.com/google/uuid"
)

// OperationKind selects which panel button an operation pulses.
type OperationKind uint8

const (
	OpPower OperationKind = iota
	OpSpeed
)

func (k OperationKind) String() string {
	switch k {
	case OpPower:
		return "power"
	case OpSpeed:
		return "speed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Operation is one physical action on the panel.
// Target is only meaningful for OpSpeed. Operations are never mutated after
// creation; ID and EnqueuedAt exist for correlation only.
type Operation struct {
	ID         uuid.UUID
	Kind       OperationKind
	Target     Speed
	EnqueuedAt Millis
}

func newOperation(kind OperationKind, target Speed, now Millis) Operation {
	return Operation{
		ID:         uuid.New(),
		Kind:       kind,
		Target:     target,
		EnqueuedAt: now,
	}
}

// Queue is a strict FIFO of operations that have not started yet.
type Queue struct {
	items []Operation
	max   int
}

// NewQueue returns a queue holding at most max operations (0 = unbounded).
func NewQueue(max int) *Queue {
	if max < 0 {
		max = 0
	}
	return &Queue{max: max}
}

// Enqueue appends op, or returns ErrQueueFull when the queue is at capacity.
func (q *Queue) Enqueue(op Operation) error {
	if !q.fits(1) {
		return fmt.Errorf("enqueue %s: %w", op.Kind, ErrQueueFull)
	}
	q.items = append(q.items, op)
	return nil
}

// Remaining returns how many more operations fit, or -1 when unbounded.
func (q *Queue) Remaining() int {
	if q.max == 0 {
		return -1
	}
	return q.max - len(q.items)
}

func (q *Queue) fits(n int) bool {
	r := q.Remaining()
	return r < 0 || r >= n
}

func (q *Queue) pop() (Operation, bool) {
	if len(q.items) == 0 {
		return Operation{}, false
	}
	op := q.items[0]
	q.items[0] = Operation{}
	q.items = q.items[1:]
	return op, true
}

// Len returns the number of queued operations.
func (q *Queue) Len() int { return len(q.items) }

// IsEmpty reports whether nothing is queued.
func (q *Queue) IsEmpty() bool { return len(q.items) == 0 }

// Pending returns a copy of the queued operations, oldest first.
func (q *Queue) Pending() []Operation {
	out := make([]Operation, len(q.items))
	copy(out, q.items)
	return out
}
