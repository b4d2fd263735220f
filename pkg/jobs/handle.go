package jobs

import "sync"

// Handle is returned by enqueue. It carries the job id and resolves once the
// job reaches a terminal state in this process. Callers in other processes
// observe terminal states by polling queue status instead.
type Handle struct {
	jobID string

	mu    sync.Mutex
	done  chan struct{}
	final *Job
}

// NewHandle creates an unresolved handle for the given job id.
func NewHandle(jobID string) *Handle {
	return &Handle{jobID: jobID, done: make(chan struct{})}
}

// JobID returns the id of the tracked job.
func (h *Handle) JobID() string { return h.jobID }

// Done is closed when the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Job returns the terminal snapshot of the job, or nil if not yet resolved.
func (h *Handle) Job() *Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.final
}

// Resolve records the terminal snapshot and unblocks Done. It is called by
// the processor runner; resolving twice is a no-op.
func (h *Handle) Resolve(final *Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.final != nil {
		return
	}
	h.final = final
	close(h.done)
}
