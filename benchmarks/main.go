package benchmarks

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/kvstore"
	"github.com/sushantsondhi/raft-core/persistent"
	"github.com/sushantsondhi/raft-core/raft"
	"github.com/sushantsondhi/raft-core/rpc"
	"go.uber.org/multierr"
)

type server struct {
	core     *raft.ConsensusCore
	manager  *rpc.Manager
	logStore common.LogStore
}

func (s *server) stop() error {
	return multierr.Combine(s.manager.Stop(), s.core.Stop())
}

// runServer starts the server at index of cfg inside this process.
func runServer(cfg *common.FileConfig, index int) (*server, error) {
	if index < 0 || index >= len(cfg.Cluster) {
		return nil, fmt.Errorf("invalid index: %d (config file specified %d servers only)", index, len(cfg.Cluster))
	}
	me := cfg.Cluster[index]
	clusterConfig := cfg.ClusterConfig()

	logStore, logErr := persistent.CreateDbLogStore(filepath.Join(cfg.DataDir, fmt.Sprintf("%v_logstore.db", me.ID)))
	pStore, pErr := persistent.NewPStore(filepath.Join(cfg.DataDir, fmt.Sprintf("%v_pstore.db", me.ID)))
	if err := multierr.Combine(logErr, pErr); err != nil {
		return nil, err
	}
	manager := rpc.NewManager()
	core, err := raft.NewConsensusCore(
		me,
		clusterConfig,
		logStore,
		pStore,
		rpc.NewTransport(manager, clusterConfig.Peers(me.ID)),
		kvstore.NewKeyValFSM(),
	)
	if err != nil {
		return nil, err
	}
	if err := core.Initialize(); err != nil {
		return nil, err
	}
	go func() {
		if err := manager.Start(me.NetAddress, core); err != nil {
			log.WithError(err).Error("rpc server stopped")
		}
	}()
	return &server{core: core, manager: manager, logStore: logStore}, nil
}

func loadConfig(flagset *flag.FlagSet, args []string) *common.FileConfig {
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster details")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg, err := common.LoadFileConfig(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return cfg
}

func BenchmarkClientReadWriteThroughput(args []string) {
	flagset := flag.NewFlagSet("bench1", flag.ExitOnError)
	var numRequests int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	cfg := loadConfig(flagset, args)

	manager := rpc.NewManager()
	store, err := kvstore.NewKeyValStore(cfg.Cluster, manager)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	fmt.Println("Running Performance Check: Client Read Write Throughput")
	var failed int
	start := time.Now()
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)
		if _, err := store.Set(key, val); err != nil {
			failed++
		}
	}
	writeTime := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests took %s on %d servers (%d failed).\n", numRequests, writeTime, len(cfg.Cluster), failed)

	failed = 0
	start = time.Now()
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		if _, _, err := store.Get(key); err != nil {
			failed++
		}
	}
	readTime := time.Since(start)
	fmt.Printf("[Benchmark] %d read requests took %s on %d servers (%d failed).\n", numRequests, readTime, len(cfg.Cluster), failed)
}

// BenchmarkServerCatchUpTime expects every server but the lagging one to be
// running already. It writes numRequests entries, then starts the lagging
// server in this process and times how long it takes to hold the whole log.
func BenchmarkServerCatchUpTime(args []string) {
	flagset := flag.NewFlagSet("bench2", flag.ExitOnError)
	var numRequests, laggingServerIndex int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	flagset.IntVar(&laggingServerIndex, "laggingServerIndex", 2, "Server index which lags")
	cfg := loadConfig(flagset, args)

	manager := rpc.NewManager()
	store, err := kvstore.NewKeyValStore(cfg.Cluster, manager)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	fmt.Println("Running Performance Check: Server catch up time")
	for i := 0; i < numRequests; i++ {
		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)
		if _, err := store.Set(key, val); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	}
	// the last acknowledged write sits at the end of the leader's log
	responder := store.RaftServers[store.LastKnownResponder.Load()]
	if responder.GetID() == cfg.Cluster[laggingServerIndex].ID {
		fmt.Println("lagging server is already running")
		os.Exit(2)
	}

	lagging, err := runServer(cfg, laggingServerIndex)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	defer lagging.stop()
	start := time.Now()
	for {
		// numRequests commands plus at least one leader change marker
		last, err := lagging.logStore.LastIndex()
		if err == nil && last > int64(numRequests) {
			if status := lagging.core.Status(); status.CommitIndex >= last {
				break
			}
		}
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	fmt.Printf("[Benchmark] lagging server took %s to catch up %d entries on a %d server raft.\n", elapsed, numRequests, len(cfg.Cluster))
}

func BenchmarkParallelClientThroughput(args []string) {
	flagset := flag.NewFlagSet("bench3", flag.ExitOnError)
	var numRequests, numClients int
	flagset.IntVar(&numRequests, "numRequests", 100, "Number of client requests to send")
	flagset.IntVar(&numClients, "numClients", 10, "Number of concurrent clients")
	cfg := loadConfig(flagset, args)
	if numClients <= 0 {
		fmt.Println("numClients must be positive")
		os.Exit(2)
	}

	fmt.Println("Running Performance Check: Parallel Client Write Throughput")
	reqsPerThread := numRequests / numClients
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < numClients; i++ {
		index := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager := rpc.NewManager()
			defer manager.Stop()
			store, err := kvstore.NewKeyValStore(cfg.Cluster, manager)
			if err != nil {
				fmt.Println(err)
				return
			}
			for i := index * reqsPerThread; i < (index+1)*reqsPerThread; i++ {
				key := fmt.Sprintf("key%d", i)
				val := fmt.Sprintf("val%d", i)
				store.Set(key, val)
			}
		}()
	}
	wg.Wait()
	writeTime := time.Since(start)
	fmt.Printf("[Benchmark] %d write requests took %s on %d servers with %d clients.\n", reqsPerThread*numClients, writeTime, len(cfg.Cluster), numClients)
}
