package lifecycle

import (
	"context"
	"sync"

	"github.com/dmms-ai/dmms-ai/internal/service"
)

// fakeAdapter keeps the definition and run state in memory.
type fakeAdapter struct {
	name string

	mu      sync.Mutex
	def     *service.Definition
	loaded  bool
	running bool
	calls   []string
	failOn  map[string]error

	// gate, when set, blocks Install until closed.
	gate     chan struct{}
	inFlight int
	maxSeen  int
}

func newFake(name string) *fakeAdapter {
	return &fakeAdapter{name: name, failOn: map[string]error{}}
}

func (f *fakeAdapter) record(op string) error {
	f.calls = append(f.calls, op)
	return f.failOn[op]
}

func (f *fakeAdapter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) Name() string           { return "fake" }
func (f *fakeAdapter) Label() string          { return "Fake Service" }
func (f *fakeAdapter) ServiceName() string    { return f.name }
func (f *fakeAdapter) DefinitionPath() string { return "/tmp/" + f.name }

func (f *fakeAdapter) ReadDefinition(context.Context) (*service.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.def == nil {
		return nil, nil
	}
	cp := *f.def
	return &cp, nil
}

func (f *fakeAdapter) Install(_ context.Context, def service.Definition) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if err := f.record("install"); err != nil {
		return err
	}
	f.def = &def
	f.loaded = true
	f.running = true
	return nil
}

func (f *fakeAdapter) Uninstall(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("uninstall"); err != nil {
		return err
	}
	f.def = nil
	f.loaded = false
	f.running = false
	return nil
}

func (f *fakeAdapter) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("start"); err != nil {
		return err
	}
	f.loaded = true
	f.running = true
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("stop"); err != nil {
		return err
	}
	f.running = false
	f.loaded = false
	return nil
}

func (f *fakeAdapter) IsLoaded(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded, nil
}

func (f *fakeAdapter) ReadRuntime(context.Context) (service.RuntimeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := service.RuntimeStatus{Loaded: f.loaded, Status: service.StatusStopped}
	if f.running {
		st.Status = service.StatusRunning
	}
	return st, nil
}

// restartingFake adds a native restart primitive.
type restartingFake struct {
	*fakeAdapter
}

func (r restartingFake) Restart(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("restart"); err != nil {
		return err
	}
	r.loaded = true
	r.running = true
	return nil
}
