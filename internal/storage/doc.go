package storage

// Package storage provides a minimal persistence layer used by the daemon.
//
// It currently supports:
//   - Poll history appends (one record per executed poll attempt)
//   - Audit log appends (user-initiated backend operations)
//   - Time-based pruning of poll history (driven by the retention job)
