// Package cluster manages a set of worker processes, one per port.
//
// A Cluster starts each worker as an OS process, reaps it when it exits
// and can kill or relaunch it with the same arguments. Alive reflects
// whether the process is still running, so a worker killed from outside
// shows up as exited.
//
// # Basic Usage
//
//	c := cluster.New(cluster.Config{
//	    Ports: []int{12346, 12347, 12348, 12349},
//	    Args: func(port int) []string {
//	        return []string{"--port", strconv.Itoa(port)}
//	    },
//	})
//
//	// Start all workers and wait until they accept connections
//	if err := c.Launch(ctx); err != nil {
//	    c.StopAll()
//	    log.Fatal(err)
//	}
//	defer c.StopAll()
//
//	if !c.Alive(12346) {
//	    _ = c.Restart(12346)
//	}
//
// # Thread Safety
//
// All cluster operations are thread-safe and can be called concurrently.
// Workers are launched and stopped in parallel.
package cluster
