package provider

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"
)

// MockConnector implements Connector, Creator and Deduper in memory. It is
// used by tests and by the "mock" integration type for demos.
type MockConnector struct {
	mu       sync.Mutex
	typ      Type
	records  map[string]ExternalRecord
	order    []string
	failures map[string]error // key: externalID, "" for every call
	connErr  error
	pushes   []MockPush
	created  int
	seq      int
	delay    time.Duration
	inFlight int
	peak     int
	fetches  int

	// Now returns the time stamped on pushed and created records.
	Now func() time.Time
}

// MockPush records one Push call that changed a record.
type MockPush struct {
	ExternalID string
	Status     string
}

// NewMockConnector creates an empty issue-tracker style MockConnector.
func NewMockConnector() *MockConnector {
	return &MockConnector{
		typ:      TypeIssueTracker,
		records:  make(map[string]ExternalRecord),
		failures: make(map[string]error),
		Now:      time.Now,
	}
}

// Type returns the configured connector type.
func (m *MockConnector) Type() Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typ
}

// TestConnection reports the configured connection error, if any.
func (m *MockConnector) TestConnection(ctx context.Context) ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connErr != nil {
		return ConnectionStatus{Detail: m.connErr.Error(), Kind: Classify(m.connErr)}
	}
	return ConnectionStatus{OK: true, Detail: "mock connector ready"}
}

// Search yields records whose id or summary contains query.
func (m *MockConnector) Search(ctx context.Context, query string) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		if err := m.failure(""); err != nil {
			yield(Candidate{}, err)
			return
		}
		m.mu.Lock()
		var hits []Candidate
		q := strings.ToLower(query)
		for _, id := range m.order {
			rec := m.records[id]
			if strings.Contains(strings.ToLower(id), q) || strings.Contains(strings.ToLower(rec.Summary), q) {
				hits = append(hits, Candidate{ExternalID: id, Summary: rec.Summary, Status: rec.Status, URL: rec.URL})
			}
		}
		m.mu.Unlock()
		for i, c := range hits {
			if i >= SearchLimit || ctx.Err() != nil {
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Verify reports whether the record exists.
func (m *MockConnector) Verify(ctx context.Context, externalID string) (VerifyResult, error) {
	rec, err := m.Fetch(ctx, externalID)
	if err != nil {
		if Classify(err) == KindNotFound {
			return VerifyResult{}, nil
		}
		return VerifyResult{}, err
	}
	return VerifyResult{Exists: true, ExternalID: rec.ExternalID, Summary: rec.Summary, Status: rec.Status, URL: rec.URL}, nil
}

// Fetch returns the stored record, honoring injected failures and delay.
func (m *MockConnector) Fetch(ctx context.Context, externalID string) (ExternalRecord, error) {
	m.mu.Lock()
	m.fetches++
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	delay := m.delay
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ExternalRecord{}, &TransientError{Op: "fetch " + externalID, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	if err := m.failure(externalID); err != nil {
		return ExternalRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[externalID]
	if !ok {
		return ExternalRecord{}, fmt.Errorf("mock fetch %s: %w", externalID, ErrNotFound)
	}
	return rec, nil
}

// Push sets the record's status. Pushing the current status is a no-op.
func (m *MockConnector) Push(ctx context.Context, externalID, desiredStatus string) (PushResult, error) {
	if err := m.failure(externalID); err != nil {
		return PushResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[externalID]
	if !ok {
		return PushResult{}, fmt.Errorf("mock push %s: %w", externalID, ErrNotFound)
	}
	if rec.Status == desiredStatus {
		return PushResult{ModifiedAt: rec.LastModifiedAt}, nil
	}
	rec.Status = desiredStatus
	rec.LastModifiedAt = m.Now()
	m.records[externalID] = rec
	m.pushes = append(m.pushes, MockPush{ExternalID: externalID, Status: desiredStatus})
	return PushResult{Applied: true, ModifiedAt: rec.LastModifiedAt}, nil
}

// Create adds a new record with a generated MOCK-n id.
func (m *MockConnector) Create(ctx context.Context, title string, cc CreateContext) (string, error) {
	if err := m.failure(""); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	var id string
	for {
		m.seq++
		id = fmt.Sprintf("MOCK-%d", m.seq)
		if _, taken := m.records[id]; !taken {
			break
		}
	}
	m.put(ExternalRecord{
		ExternalID:     id,
		Summary:        title,
		Status:         "open",
		LastModifiedAt: m.Now(),
		StartsAt:       cc.StartsAt,
	})
	return id, nil
}

// Equivalent matches records with the same normalized title.
func (m *MockConnector) Equivalent(title string, cc CreateContext, rec ExternalRecord) bool {
	return NormalizeTitle(title) == NormalizeTitle(rec.Summary)
}

func (m *MockConnector) failure(externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[""]; err != nil {
		return err
	}
	if externalID == "" {
		return nil
	}
	return m.failures[externalID]
}

func (m *MockConnector) put(rec ExternalRecord) {
	if _, ok := m.records[rec.ExternalID]; !ok {
		m.order = append(m.order, rec.ExternalID)
	}
	m.records[rec.ExternalID] = rec
}

// --- Test helpers ---

// SetType changes the reported connector type.
func (m *MockConnector) SetType(t Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typ = t
}

// Put stores or replaces a record.
func (m *MockConnector) Put(rec ExternalRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(rec)
}

// Delete removes a record so later fetches report ErrNotFound.
func (m *MockConnector) Delete(externalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, externalID)
}

// Record returns the stored record.
func (m *MockConnector) Record(externalID string) (ExternalRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[externalID]
	return rec, ok
}

// Fail makes every call touching externalID return err. An empty
// externalID fails every call. A nil err clears the failure.
func (m *MockConnector) Fail(externalID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, externalID)
		return
	}
	m.failures[externalID] = err
}

// FailConnection makes TestConnection report err.
func (m *MockConnector) FailConnection(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connErr = err
}

// SetDelay makes each Fetch wait d before answering.
func (m *MockConnector) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Pushes returns the pushes that changed a record.
func (m *MockConnector) Pushes() []MockPush {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockPush(nil), m.pushes...)
}

// Fetches returns the number of Fetch calls.
func (m *MockConnector) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// PeakConcurrency returns the highest number of simultaneous Fetch calls.
func (m *MockConnector) PeakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Created returns the number of records created through Create.
func (m *MockConnector) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}
