package relay

import (
	"context"
	"fmt"

	"mailrelay/internal/types"
)

// mockDirectory is a hand-rolled DirectoryService double recording every
// call it receives.
type mockDirectory struct {
	destinations map[string]string
	plans        map[string]*types.AliasPlan
	planErr      error
	resolveErr   error
	stats        []string
	statErr      error
}

func (m *mockDirectory) ResolveDestination(ctx context.Context, alias string) (string, error) {
	if m.resolveErr != nil {
		return "", m.resolveErr
	}
	return m.destinations[alias], nil
}

func (m *mockDirectory) GetPlan(ctx context.Context, address string) (*types.AliasPlan, error) {
	if m.planErr != nil {
		return nil, m.planErr
	}
	return m.plans[address], nil
}

func (m *mockDirectory) ReportStatistic(ctx context.Context, alias string, stat types.StatisticType) error {
	m.stats = append(m.stats, fmt.Sprintf("%s:%s", alias, stat))
	return m.statErr
}

// mockRecords is an in-memory ReplyRecordStore.
type mockRecords struct {
	records   map[string]string
	createErr error
	readErr   error
}

func newMockRecords() *mockRecords {
	return &mockRecords{records: make(map[string]string)}
}

func (m *mockRecords) CreateReplyRecord(ctx context.Context, record types.ReplyRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.records[record.Lookup] = record.EncryptedMetadata
	return nil
}

func (m *mockRecords) ReplyRecordByLookup(ctx context.Context, lookup string) (*types.ReplyRecord, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	blob, ok := m.records[lookup]
	if !ok {
		return nil, nil
	}
	return &types.ReplyRecord{Lookup: lookup, EncryptedMetadata: blob}, nil
}

// mockSender captures outbound messages and answers with sequential ids.
type mockSender struct {
	sent    []types.OutboundEmail
	sendErr error
	nextID  string
}

func (m *mockSender) Send(ctx context.Context, msg types.OutboundEmail) (string, error) {
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.sent = append(m.sent, msg)
	if m.nextID != "" {
		return m.nextID, nil
	}
	return fmt.Sprintf("out-msg-%03d", len(m.sent)), nil
}

// mockBlobs serves objects from a map and records deletions. It satisfies
// both the extractor's read-only store and the dispatcher's cleanup store.
type mockBlobs struct {
	objects map[string][]byte
	deleted []string
	getErr  error
}

func newMockBlobs() *mockBlobs {
	return &mockBlobs{objects: make(map[string][]byte)}
}

func (m *mockBlobs) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	body, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundBlob, "no such object", nil)
	}
	return body, nil
}

func (m *mockBlobs) Delete(ctx context.Context, bucket, key string) error {
	m.deleted = append(m.deleted, bucket+"/"+key)
	return nil
}
