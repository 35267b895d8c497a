package election

import (
	"sync"

	"github.com/google/uuid"
)

// Epochs tracks the highest epoch observed per hall.
type Epochs struct {
	mu  sync.Mutex
	max map[uuid.UUID]uint64
}

func NewEpochs() *Epochs {
	return &Epochs{max: make(map[uuid.UUID]uint64)}
}

// Max is the highest epoch seen for the hall.
func (e *Epochs) Max(hallID uuid.UUID) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.max[hallID]
}

// Observe accepts epoch unless it is strictly below the maximum, raising the
// maximum when it is higher.
func (e *Epochs) Observe(hallID uuid.UUID, epoch uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.max[hallID]
	if epoch < cur {
		return false
	}
	e.max[hallID] = epoch
	return true
}

// Advance moves the hall from epoch `from` to `to` only if nothing newer was
// observed in between.
func (e *Epochs) Advance(hallID uuid.UUID, from, to uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.max[hallID] != from || to <= from {
		return false
	}
	e.max[hallID] = to
	return true
}
