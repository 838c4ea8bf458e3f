// Package shm maps a file as an integer array shared between processes.
//
// The supervisor creates the file and every worker process opens and maps
// the same file, so a write made by one worker is visible to the others
// and to the supervisor's Sum. Cells are little-endian int32 at offset
// pos*4.
//
// With locking enabled, Accumulate holds an fcntl write lock on the
// cell's four bytes for the read-modify-write. fcntl locks belong to the
// process, so goroutines inside one process also take a per-cell mutex.
// Without locking, concurrent workers lose updates.
//
// # Basic Usage
//
//	r, err := shm.Create("shared_memory.dat", 1000, true)
//	if err != nil {
//	    return err
//	}
//	defer r.Remove()
//	defer r.Close()
//
//	_ = r.Accumulate(3, 1)
//	fmt.Println(r.Sum())
package shm
