package feed

import (
	"context"
	"sync/atomic"
)

// MockSource is a scripted Source for tests. Pushed transactions are
// delivered in order; Next blocks when the script is exhausted.
type MockSource struct {
	ch      chan *Transaction
	errs    chan error
	Commits atomic.Int64
	Closed  atomic.Bool
}

var (
	_ Source    = (*MockSource)(nil)
	_ Committer = (*MockSource)(nil)
)

func NewMockSource() *MockSource {
	return &MockSource{
		ch:   make(chan *Transaction, 64),
		errs: make(chan error, 8),
	}
}

// Push queues a transaction for delivery.
func (m *MockSource) Push(txn *Transaction) {
	m.ch <- txn
}

// Fail queues an error; Next returns it after all queued transactions.
func (m *MockSource) Fail(err error) {
	m.errs <- err
}

func (m *MockSource) Next(ctx context.Context) (*Transaction, error) {
	select {
	case txn := <-m.ch:
		return txn, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case txn := <-m.ch:
		return txn, nil
	case err := <-m.errs:
		return nil, err
	}
}

func (m *MockSource) Commit(context.Context) error {
	m.Commits.Add(1)
	return nil
}

func (m *MockSource) Close() error {
	m.Closed.Store(true)
	return nil
}
