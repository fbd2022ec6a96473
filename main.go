package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"DistMR/internal/apps/invertedindex"
	"DistMR/internal/apps/wordcount"
	"DistMR/internal/coordinator"
	"DistMR/internal/discovery"
	"DistMR/internal/grep"
	"DistMR/internal/ledger"
	"DistMR/internal/logger"
	"DistMR/internal/mapreduce"
	"DistMR/internal/worker"
)

func main() {
	mode := flag.String("mode", "sequential", "Mode: 'master', 'worker' or 'sequential'")
	job := flag.String("job", "job", "Job name, used to name intermediate and output files")
	app := flag.String("app", "wc", "Application: 'wc' (word count), 'ii' (inverted index) or 'grep'")
	pattern := flag.String("pattern", "", "Regular expression for -app grep")
	nReduce := flag.Int("nreduce", 3, "Number of reduce tasks")
	dir := flag.String("dir", ".", "Shared directory for intermediate and output files")
	masterAddr := flag.String("master", "127.0.0.1:7777", "Master RPC address (listen address in master mode)")
	addr := flag.String("addr", "127.0.0.1:0", "Worker RPC listen address")
	maxTasks := flag.Int("max-tasks", 0, "Worker stops after this many tasks; 0 is unlimited")
	roundTimeout := flag.Duration("round-timeout", coordinator.DefaultRoundTimeout, "How long the master waits before reassigning unconfirmed tasks")
	cleanup := flag.Bool("cleanup", false, "Remove intermediate files once the job is done")
	logLevel := flag.String("log-level", "", "DEBUG, INFO, WARN or ERROR (default $"+logger.EnvLevel+" or INFO)")

	useLedger := flag.Bool("ledger", false, "Record task progress in a Raft ledger on the master")
	ledgerDir := flag.String("ledger-dir", "", "Ledger data directory; empty keeps it in memory")
	raftBind := flag.String("raft-bind", "", "Raft bind address; empty uses an in-memory transport")
	raftPort := flag.Int("raft-port", 9001, "Raft bind port")

	gossipPort := flag.Int("gossip-port", -1, "Gossip port for failure detection; -1 disables it, 0 picks one")
	gossipJoin := flag.String("gossip-join", "", "Comma separated gossip addresses to join (worker mode)")
	flag.Parse()

	lg := logger.New(*logLevel)

	switch *mode {
	case "master", "worker", "sequential":
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", *mode)
		os.Exit(1)
	}

	mapF, reduceF, err := loadApp(*app, *pattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	var gossip *discovery.Config
	if *gossipPort >= 0 {
		gossip = &discovery.Config{LocalPort: *gossipPort}
		if *gossipJoin != "" {
			gossip.JoinAddrs = strings.Split(*gossipJoin, ",")
		}
	}

	if *mode == "worker" {
		runWorker(lg, worker.Config{
			MasterAddr: *masterAddr,
			Addr:       *addr,
			Dir:        *dir,
			MaxTasks:   *maxTasks,
			Gossip:     gossip,
			Logger:     lg,
		}, mapF, reduceF)
		return
	}

	files, err := inputFiles(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg := coordinator.Config{
		JobName:      *job,
		Files:        files,
		NReduce:      *nReduce,
		Dir:          *dir,
		Address:      *masterAddr,
		RoundTimeout: *roundTimeout,
		Gossip:       gossip,
		Logger:       lg,
	}

	var master *coordinator.Master
	if *mode == "sequential" {
		master, err = coordinator.Sequential(cfg, mapF, reduceF)
	} else {
		if *useLedger {
			cluster, lerr := ledger.NewCluster(ledger.Config{
				NodeID:   "master",
				BindAddr: *raftBind,
				BindPort: *raftPort,
				DataDir:  *ledgerDir,
				Logger:   lg,
			})
			if lerr != nil {
				lg.Error("Failed to start ledger: %v", lerr)
				os.Exit(1)
			}
			defer cluster.Close()
			lg.Info("Waiting for ledger leader election...")
			if lerr := cluster.WaitForLeader(10 * time.Second); lerr != nil {
				lg.Error("Ledger unavailable: %v", lerr)
				os.Exit(1)
			}
			cfg.Ledger = cluster
		}
		master, err = coordinator.Distributed(cfg)
	}
	if err != nil {
		lg.Error("Failed to start master: %v", err)
		os.Exit(1)
	}
	if *mode == "master" {
		lg.Info("Master listening on %s, %d map and %d reduce tasks", master.Addr(), len(files), *nReduce)
		if gossip != nil {
			lg.Info("Workers join gossip at %s", master.GossipAddr())
		}
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		lg.Warn("Interrupted, shutting down")
		master.Shutdown()
	}()

	if err := master.Wait(); err != nil {
		lg.Error("Job %s failed: %v", *job, err)
		os.Exit(1)
	}
	fmt.Println(master.ResultFile())
	lg.Info("Worker task counts: %v", master.Stats())

	if *cleanup {
		if err := master.CleanupFiles(); err != nil {
			lg.Warn("Cleanup failed: %v", err)
		}
	}
}

func runWorker(lg *logger.Logger, cfg worker.Config, mapF mapreduce.MapFunc, reduceF mapreduce.ReduceFunc) {
	w := worker.New(cfg, mapF, reduceF)
	if err := w.Start(); err != nil {
		lg.Error("Failed to start worker: %v", err)
		os.Exit(1)
	}
	lg.Info("Worker %s serving on %s", w.ID(), w.Addr())

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		w.Shutdown()
	}()

	w.Wait()
	lg.Info("Worker %s exiting after %d tasks", w.ID(), w.Tasks())
}

func loadApp(name, pattern string) (mapreduce.MapFunc, mapreduce.ReduceFunc, error) {
	switch name {
	case "wc":
		return wordcount.Map, wordcount.Reduce, nil
	case "ii":
		return invertedindex.Map, invertedindex.Reduce, nil
	case "grep":
		if pattern == "" {
			return nil, nil, fmt.Errorf("-app grep needs -pattern")
		}
		dg, err := grep.NewDistributedGrep(pattern)
		if err != nil {
			return nil, nil, err
		}
		return dg.Map, dg.Reduce, nil
	default:
		return nil, nil, fmt.Errorf("unknown app: %s", name)
	}
}

// inputFiles expands glob patterns and directories into the job's map inputs.
func inputFiles(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", arg)
		}
		paths = append(paths, matches...)
	}
	return grep.CollectFiles(paths)
}
