package analytics

import "sync"

// MemSink buffers rows in memory. Used in tests and as the local-dev
// fallback when Pub/Sub is disabled.
type MemSink struct {
	mu   sync.Mutex
	rows []Row
}

func NewMemSink() *MemSink {
	return &MemSink{}
}

func (s *MemSink) Insert(row Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
}

// Rows returns a snapshot of everything inserted so far.
func (s *MemSink) Rows() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Row(nil), s.rows...)
}

// RowsFor returns the rows inserted for one table.
func (s *MemSink) RowsFor(table Table) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Row
	for _, r := range s.rows {
		if r.Table == table {
			out = append(out, r)
		}
	}
	return out
}

// CountAction counts rows in a table whose "action" field matches.
func (s *MemSink) CountAction(table Table, action string) int {
	n := 0
	for _, r := range s.RowsFor(table) {
		if r.Fields["action"] == action {
			n++
		}
	}
	return n
}

var _ Sink = (*MemSink)(nil)
