// Package store provides the fixed-size integer cell store shared by the
// in-process server engines.
//
// A Store holds Size() signed integer cells, all zero at creation. Cells are
// mutated only through Accumulate and observed through Read and Sum.
//
// # Basic Usage
//
//	s := store.New(10, store.PerCell)
//	_ = s.Accumulate(3, 1)
//	_ = s.Accumulate(3, 1)
//	v, _ := s.Read(3) // 2
//	total := s.Sum()  // 2
//
// # Lock Granularity
//
//   - None: no synchronization. Concurrent accumulates to the same cell may
//     lose updates and Sum may observe a torn state. Kept on purpose so the
//     benchmark can show the race.
//   - PerCell: one mutex per cell. Sum takes every cell lock in index order
//     and folds a linearizable snapshot.
//   - Global: one RWMutex for the whole store.
//
// Positions outside [0, Size()) return ErrOutOfRange and never mutate.
package store
