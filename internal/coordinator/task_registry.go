package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// ErrTaskSuperseded is the cancellation cause of a task whose artifact
// left the desired set or was retired.
var ErrTaskSuperseded = errors.New("task superseded")

// TaskInfo describes one active sync task.
type TaskInfo struct {
	Fingerprint string    `json:"fingerprint"`
	Filename    string    `json:"filename"`
	Generation  uint64    `json:"generation"`
	State       TaskState `json:"state"`
	PrimaryNode string    `json:"primary_node,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Canceled    bool      `json:"canceled,omitempty"`
}

type taskEntry struct {
	info   TaskInfo
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// TaskRegistry holds the active sync task for each fingerprint. At most
// one live task exists per fingerprint; a canceled task keeps its slot
// until it finishes, and a replacement waits for it. It is safe for
// concurrent use.
type TaskRegistry struct {
	tasks map[string]*taskEntry
	mu    sync.RWMutex
}

// NewTaskRegistry returns an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]*taskEntry)}
}

// Slot is a task's hold on its fingerprint.
type Slot struct {
	Fingerprint string
	Generation  uint64
	done        chan struct{}
	prev        <-chan struct{}
}

// WaitPrevious blocks until the canceled task this slot replaced has
// finished.
func (s *Slot) WaitPrevious(ctx context.Context) error {
	if s.prev == nil {
		return nil
	}
	select {
	case <-s.prev:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Add registers a task. It returns false when a live task already holds
// the fingerprint. A canceled task still holding it is replaced, and the
// new slot must WaitPrevious before doing any work.
func (r *TaskRegistry) Add(info TaskInfo, cancel context.CancelCauseFunc) (*Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := &Slot{Fingerprint: info.Fingerprint, Generation: info.Generation, done: make(chan struct{})}
	if existing, ok := r.tasks[info.Fingerprint]; ok {
		if !existing.info.Canceled {
			return nil, false
		}
		slot.prev = existing.done
	}
	r.tasks[info.Fingerprint] = &taskEntry{info: info, cancel: cancel, done: slot.done}
	return slot, true
}

// SetState records a transition of the task with the given generation.
func (r *TaskRegistry) SetState(fingerprint string, generation uint64, state TaskState, primary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tasks[fingerprint]; ok && e.info.Generation == generation {
		e.info.State = state
		e.info.PrimaryNode = primary
	}
}

// Finish releases the slot and wakes any replacement waiting on it.
func (r *TaskRegistry) Finish(slot *Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tasks[slot.Fingerprint]; ok && e.info.Generation == slot.Generation {
		delete(r.tasks, slot.Fingerprint)
	}
	close(slot.done)
}

// Get returns the task currently holding fingerprint.
func (r *TaskRegistry) Get(fingerprint string) (TaskInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[fingerprint]
	if !ok {
		return TaskInfo{}, false
	}
	return e.info, true
}

// List returns every registered task ordered by fingerprint.
func (r *TaskRegistry) List() []TaskInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskInfo, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.info)
	}
	slices.SortFunc(out, func(a, b TaskInfo) int { return strings.Compare(a.Fingerprint, b.Fingerprint) })
	return out
}

// Cancel cancels the live task holding fingerprint with cause.
func (r *TaskRegistry) Cancel(fingerprint string, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[fingerprint]
	if !ok || e.info.Canceled {
		return false
	}
	e.info.Canceled = true
	e.cancel(cause)
	return true
}

// CancelObsolete cancels every live task whose fingerprint is not
// prefix-related to any of desired, and returns the canceled tasks.
func (r *TaskRegistry) CancelObsolete(desired []string) []TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var canceled []TaskInfo
	for fp, e := range r.tasks {
		if e.info.Canceled || fingerprintWanted(fp, desired) {
			continue
		}
		e.info.Canceled = true
		e.cancel(ErrTaskSuperseded)
		canceled = append(canceled, e.info)
	}
	slices.SortFunc(canceled, func(a, b TaskInfo) int { return strings.Compare(a.Fingerprint, b.Fingerprint) })
	return canceled
}

// fingerprintWanted compares by prefix so fingerprints of different
// lengths still match the hash they were cut from.
func fingerprintWanted(fp string, desired []string) bool {
	for _, d := range desired {
		if strings.HasPrefix(d, fp) || strings.HasPrefix(fp, d) {
			return true
		}
	}
	return false
}
