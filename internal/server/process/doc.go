// Package process implements the multi-process server engine.
//
// The supervisor (Engine) creates a file-backed shared region, launches
// one worker process per port (basePort+1 .. basePort+N) and checks their
// health on an interval. Workers (RunWorker) map the same file and serve
// the line protocol directly; the supervisor's own port only answers with
// an error. Clients pick a worker through the shared Balancer.
//
// A worker killed from outside is noticed on the next health check,
// marked failed in the balancer, relaunched with the same arguments and
// marked recovered once it accepts connections again.
//
// # Basic Usage
//
//	cfg := server.DefaultConfig()
//	cfg.Architecture = server.ArchProcess
//	e := process.New(cfg)
//	if err := e.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Stop()
//
//	port, _ := e.Balancer().NextWorkerPort()
//	conn, _ := net.Dial("tcp", e.WorkerAddr(port))
//
// The worker entry point parses the arguments built by WorkerConfig.Args:
//
//	cfg, err := process.ParseWorkerArgs(os.Args[2:])
//	if err != nil {
//	    os.Exit(2)
//	}
//	_ = process.RunWorker(ctx, cfg)
package process
