package job_test

import (
	"ades/internal/apperrors"
	"ades/internal/job"
	"ades/internal/process"
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// memLedger is an in-memory job.Ledger with the same terminal guard as the
// SQL store.
type memLedger struct {
	mu   sync.Mutex
	jobs map[string]job.Job
	now  func() time.Time
}

func newMemLedger() *memLedger {
	return &memLedger{jobs: make(map[string]job.Job), now: time.Now}
}

func (l *memLedger) Create(_ context.Context, j *job.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.jobs[j.ID]; ok {
		return apperrors.RetryableConflict("job", j.ID, "job ID already exists")
	}
	l.jobs[j.ID] = clone(*j)
	return nil
}

func (l *memLedger) Get(_ context.Context, id string) (*job.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	c := clone(j)
	return &c, nil
}

func (l *memLedger) List(_ context.Context, procID string) ([]job.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []job.Job{}
	for _, j := range l.jobs {
		if procID == "" || j.ProcessID == procID {
			out = append(out, clone(j))
		}
	}
	slices.SortFunc(out, func(a, b job.Job) int { return a.Created.Compare(b.Created) })
	return out, nil
}

func (l *memLedger) UpdateStatusAndMetrics(_ context.Context, id string, status job.Status, metrics map[string]any) (*job.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	if j.Status.IsTerminal() {
		return nil, apperrors.Conflict("job", id, "job is already "+string(j.Status))
	}
	j.Status = status
	j.Metrics = maps.Clone(metrics)
	j.Updated = l.now()
	l.jobs[id] = j
	c := clone(j)
	return &c, nil
}

func (l *memLedger) RecordSubmission(_ context.Context, id string, info map[string]any, status job.Status, metrics map[string]any) (*job.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	if j.BackendInfo != nil {
		return nil, apperrors.Conflict("job", id, "submission already recorded")
	}
	j.BackendInfo = maps.Clone(info)
	j.Status = status
	j.Metrics = maps.Clone(metrics)
	j.Updated = l.now()
	l.jobs[id] = j
	c := clone(j)
	return &c, nil
}

// put stores a row directly.
func (l *memLedger) put(j job.Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[j.ID] = j
}

func clone(j job.Job) job.Job {
	j.Inputs = maps.Clone(j.Inputs)
	j.Metrics = maps.Clone(j.Metrics)
	j.BackendInfo = maps.Clone(j.BackendInfo)
	return j
}

// fakeBackend answers from scripted fields and counts every call.
type fakeBackend struct {
	mu sync.Mutex

	submitErr    error
	submitInfo   map[string]any
	submitStatus job.Status
	queryStatus  job.Status
	queryErr     error
	queryDelay   time.Duration
	cancelErr    error
	deployErr    error
	links        []job.Link

	submits   int
	queries   int
	cancels   int
	deploys   []string
	undeploys []string
	specs     []*job.Spec
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Submit(_ context.Context, spec *job.Spec) (*job.Submission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	b.specs = append(b.specs, spec)
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	info := b.submitInfo
	if info == nil {
		info = map[string]any{"status": "accepted"}
	}
	status := b.submitStatus
	if status == "" {
		status = job.StatusAccepted
	}
	return &job.Submission{BackendInfo: info, Status: status}, nil
}

func (b *fakeBackend) Query(_ context.Context, j *job.Job) (*job.Observation, error) {
	b.mu.Lock()
	b.queries++
	delay, status, err := b.queryDelay, b.queryStatus, b.queryErr
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	if status == "" {
		status = j.Status
	}
	return &job.Observation{Status: status, Metrics: map[string]any{"polled": true}}, nil
}

func (b *fakeBackend) Cancel(_ context.Context, _ *job.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	return b.cancelErr
}

func (b *fakeBackend) ResultLinks(_ context.Context, j *job.Job) ([]job.Link, error) {
	if b.links != nil {
		return b.links, nil
	}
	return job.StageOutLinks(j), nil
}

func (b *fakeBackend) OnDeploy(_ context.Context, p *process.Process) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deploys = append(b.deploys, p.ID)
	return b.deployErr
}

func (b *fakeBackend) OnUndeploy(_ context.Context, p *process.Process) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.undeploys = append(b.undeploys, p.ID)
	return nil
}

func (b *fakeBackend) Ready(context.Context) error { return nil }

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) counts() (submits, queries, cancels int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits, b.queries, b.cancels
}

// fakeRegistry serves processes from a map; Register takes the source as the
// process ID.
type fakeRegistry struct {
	mu    sync.Mutex
	procs map[string]*process.Process
}

func newFakeRegistry(ids ...string) *fakeRegistry {
	r := &fakeRegistry{procs: make(map[string]*process.Process)}
	for _, id := range ids {
		r.procs[id] = testProcess(id)
	}
	return r
}

func testProcess(id string) *process.Process {
	return &process.Process{
		ID:             id,
		Title:          id,
		ProcessVersion: "1.0",
		OwsContextURL:  "https://example.com/" + id + ".cwl",
		ExecutionUnit:  []string{"docker.io/library/alpine:3.20"},
	}
}

func (r *fakeRegistry) Register(_ context.Context, source string, overwrite bool) (*process.Process, *process.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, exists := r.procs[source]
	if exists && !overwrite {
		return nil, nil, apperrors.Conflict("process", source, "process already deployed")
	}
	p := testProcess(source)
	r.procs[source] = p
	if !exists {
		previous = nil
	}
	return p, previous, nil
}

func (r *fakeRegistry) Get(_ context.Context, id string) (*process.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	if !ok {
		return nil, apperrors.NotFound("process", id)
	}
	return p, nil
}

func (r *fakeRegistry) List(_ context.Context) ([]process.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []process.Process{}
	for _, p := range r.procs {
		out = append(out, *p)
	}
	return out, nil
}

func (r *fakeRegistry) Remove(_ context.Context, id string) (*process.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	if !ok {
		return nil, apperrors.NotFound("process", id)
	}
	delete(r.procs, id)
	return p, nil
}

func (r *fakeRegistry) Restore(_ context.Context, p *process.Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[p.ID]; !ok {
		return apperrors.NotFound("process", p.ID)
	}
	r.procs[p.ID] = p
	return nil
}

// recordingNotifier keeps every notification.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, j *job.Job, previous job.Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, string(previous)+"->"+string(j.Status))
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.events)
}
