package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/driftware/paddock/pkg/types"
)

// Fake is an in-memory provider for tests. Failure injection mimics the
// classified errors the REST client produces.
type Fake struct {
	mu      sync.Mutex
	pods    map[string]*types.Pod
	nextID  int
	deleted map[string]bool

	// Failure injection
	CreateErr    error
	GetErr       error
	ListErr      error
	TerminateErr error

	// Call counters
	CreateCalls    int
	TerminateCalls int

	// OnTerminate, when set, runs inside TerminatePod before the pod is
	// removed. Tests use it to assert ordering against the store.
	OnTerminate func(podID string)
}

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		pods:    make(map[string]*types.Pod),
		deleted: make(map[string]bool),
	}
}

// CreatePod accepts the spawn request and returns a fresh pod id.
func (f *Fake) CreatePod(_ context.Context, spec types.PodSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextID++
	id := fmt.Sprintf("pod-%d", f.nextID)
	f.pods[id] = &types.Pod{
		ID:            id,
		Name:          spec.Name,
		DesiredStatus: types.PodStatusProvisioning,
	}
	return id, nil
}

// GetPod returns the pod or a not-found error.
func (f *Fake) GetPod(_ context.Context, podID string) (*types.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	p, ok := f.pods[podID]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Op: "get", Err: fmt.Errorf("pod not found")}
	}
	cp := *p
	return &cp, nil
}

// ListPods returns all live pods, ordered by id.
func (f *Fake) ListPods(_ context.Context) ([]*types.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]*types.Pod, 0, len(f.pods))
	for _, p := range f.pods {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TerminatePod removes the pod; terminating twice yields not-found.
func (f *Fake) TerminatePod(_ context.Context, podID string) error {
	f.mu.Lock()
	hook := f.OnTerminate
	f.TerminateCalls++
	if f.TerminateErr != nil {
		err := f.TerminateErr
		f.mu.Unlock()
		return err
	}
	_, ok := f.pods[podID]
	f.mu.Unlock()

	if hook != nil {
		hook(podID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !ok {
		return &Error{Kind: KindNotFound, Op: "terminate", Err: fmt.Errorf("pod not found")}
	}
	delete(f.pods, podID)
	f.deleted[podID] = true
	return nil
}

// SetPodStatus updates a pod's desired status, simulating provider-side
// transitions.
func (f *Fake) SetPodStatus(podID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pods[podID]; ok {
		p.DesiredStatus = status
	}
}

// AddPod seeds a pod directly, for zombie scenarios.
func (f *Fake) AddPod(p *types.Pod) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.pods[p.ID] = &cp
}

// Terminated reports whether the pod was removed through TerminatePod.
func (f *Fake) Terminated(podID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[podID]
}

// PodCount returns the number of live pods.
func (f *Fake) PodCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pods)
}
