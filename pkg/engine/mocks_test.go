package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// callLog records adapter calls across kinds in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) count(call string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (l *callLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// Mock adapter for testing. Resources are gone unless listed in present.
type mockAdapter struct {
	mu        sync.Mutex
	kind      ResourceKind
	log       *callLog
	present   map[string]bool
	beginErr  error
	existsErr error
}

func newMockAdapter(kind ResourceKind, log *callLog) *mockAdapter {
	return &mockAdapter{
		kind:    kind,
		log:     log,
		present: make(map[string]bool),
	}
}

func (m *mockAdapter) BeginDelete(ctx context.Context, target Target) error {
	m.log.add(fmt.Sprintf("begin:%s", m.kind))
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beginErr
}

func (m *mockAdapter) StillExists(ctx context.Context, target Target) (bool, error) {
	m.log.add(fmt.Sprintf("exists:%s", m.kind))
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	return m.present[target.Name], nil
}

func (m *mockAdapter) setPresent(name string, present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present[name] = present
}

func (m *mockAdapter) setBeginErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginErr = err
}

func newMockAdapters() (AdapterSet, map[ResourceKind]*mockAdapter, *callLog) {
	log := &callLog{}
	set := make(AdapterSet)
	mocks := make(map[ResourceKind]*mockAdapter)
	for _, kind := range AllResourceKinds() {
		m := newMockAdapter(kind, log)
		set[kind] = m
		mocks[kind] = m
	}
	return set, mocks, log
}

// Mock deployment client for testing
type mockDeployments struct {
	mu            sync.Mutex
	state         string
	stateErrs     []error
	opErrors      []DeploymentOperationError
	opErrorsErr   error
	submitted     []DeploymentSpec
	ensuredGroups []string
	submitErr     error
}

func (m *mockDeployments) EnsureResourceGroup(ctx context.Context, subscriptionID, resourceGroup, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensuredGroups = append(m.ensuredGroups, resourceGroup)
	return nil
}

func (m *mockDeployments) BeginDeployment(ctx context.Context, spec DeploymentSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	m.submitted = append(m.submitted, spec)
	return nil
}

func (m *mockDeployments) DeploymentState(ctx context.Context, subscriptionID, resourceGroup, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stateErrs) > 0 {
		err := m.stateErrs[0]
		m.stateErrs = m.stateErrs[1:]
		return "", err
	}
	return m.state, nil
}

func (m *mockDeployments) DeploymentErrors(ctx context.Context, subscriptionID, resourceGroup, name string) ([]DeploymentOperationError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opErrors, m.opErrorsErr
}

// Mock queue provider for testing
type mockQueues struct {
	mu        sync.Mutex
	created   []string
	deleted   []string
	pushed    []QueueMessage
	pushedTo  []string
	pushErr   error
	deleteErr error
}

func (m *mockQueues) Create(ctx context.Context, location, name string) (*QueueConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, name)
	return &QueueConnection{Name: name, URL: "https://queues.example.net/" + name}, nil
}

func (m *mockQueues) Delete(ctx context.Context, location, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, name)
	return nil
}

func (m *mockQueues) Exists(ctx context.Context, location, name string) (bool, error) {
	return false, nil
}

func (m *mockQueues) Push(ctx context.Context, location, name string, msg QueueMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushErr != nil {
		return m.pushErr
	}
	m.pushed = append(m.pushed, msg)
	m.pushedTo = append(m.pushedTo, name)
	return nil
}

// Mock strategy for testing
type mockStrategy struct {
	name        string
	accepts     []OSKind
	vmName      string
	validateErr error
	prepareErr  error
}

func (m *mockStrategy) Validate(req CreateRequest) error { return m.validateErr }

func (m *mockStrategy) Name() string { return m.name }

func (m *mockStrategy) Accepts(os OSKind) bool {
	for _, a := range m.accepts {
		if a == os {
			return true
		}
	}
	return false
}

func (m *mockStrategy) Prepare(ctx context.Context, req CreateRequest, vmName string, queue *QueueConnection) (*DeploymentSpec, error) {
	if m.prepareErr != nil {
		return nil, m.prepareErr
	}
	return &DeploymentSpec{
		SubscriptionID: req.SubscriptionID,
		ResourceGroup:  req.ResourceGroup,
		Location:       req.Location,
		Name:           DeploymentName(req.OS, vmName),
		VMName:         vmName,
		Parameters:     map[string]interface{}{"queueName": map[string]interface{}{"value": queue.Name}},
		Tags:           ResourceTags(req.Tags, req.Components, vmName),
	}, nil
}

func (m *mockStrategy) NewVMName() (string, error) { return m.vmName, nil }

// Mock event publisher for testing
type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventPublisher) PublishEvent(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockEventPublisher) ofType(t EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Mock metrics recorder for testing
type mockMetrics struct {
	mu          sync.Mutex
	retries     []int
	transitions int
	operations  map[string]int
}

func (m *mockMetrics) RecordOperation(operation string, state OperationState, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.operations == nil {
		m.operations = make(map[string]int)
	}
	m.operations[operation]++
}

func (m *mockMetrics) RecordRetry(operation string, attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = append(m.retries, attempt)
}

func (m *mockMetrics) RecordResourceTransition(kind ResourceKind, from, to OperationState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions++
}

func (m *mockMetrics) RecordError(class ErrorClass, code string) {}

var errNetwork = errors.New("connection reset by peer")

func testIdentity(name string) ResourceIdentity {
	return ResourceIdentity{SubscriptionID: "sub-1", ResourceGroup: "rg-dev", Name: name}
}
