package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sushantsondhi/raft-core/api"
	"github.com/sushantsondhi/raft-core/benchmarks"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/kvstore"
	"github.com/sushantsondhi/raft-core/kvstore/client"
	"github.com/sushantsondhi/raft-core/persistent"
	"github.com/sushantsondhi/raft-core/raft"
	"github.com/sushantsondhi/raft-core/rpc"
	"go.uber.org/multierr"
)

func loadConfig(path string) *common.FileConfig {
	cfg, err := common.LoadFileConfig(path)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if cfg.LogLevel != "" {
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			fmt.Println(err)
			os.Exit(2)
		}
		log.SetLevel(level)
	}
	return cfg
}

func runServer(args []string) {
	flagset := flag.NewFlagSet("server", flag.ExitOnError)
	configFile := flagset.String("config", "", "YAML file containing cluster & configuration details")
	index := flagset.Int("me", -1, "Index of this server in the config file")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	cfg := loadConfig(*configFile)
	if *index < 0 || *index >= len(cfg.Cluster) {
		fmt.Printf("invalid index: %d (config file specified %d servers only)\n", *index, len(cfg.Cluster))
		os.Exit(2)
	}
	me := cfg.Cluster[*index]
	clusterConfig := cfg.ClusterConfig()
	logger := log.WithField("node", me.ID.String())

	logStore, logErr := persistent.CreateDbLogStore(filepath.Join(cfg.DataDir, fmt.Sprintf("%v_logstore.db", me.ID)))
	pStore, pErr := persistent.NewPStore(filepath.Join(cfg.DataDir, fmt.Sprintf("%v_pstore.db", me.ID)))
	if err := multierr.Combine(logErr, pErr); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	manager := rpc.NewManager()
	core, err := raft.NewConsensusCore(
		me,
		clusterConfig,
		logStore,
		pStore,
		rpc.NewTransport(manager, clusterConfig.Peers(me.ID)),
		kvstore.NewKeyValFSM(),
		raft.WithLogger(logger),
	)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if err := core.Initialize(); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	go func() {
		if err := manager.Start(me.NetAddress, core); err != nil {
			logger.WithError(err).Fatal("rpc server failed")
		}
	}()
	if cfg.StatusAddress != "" {
		go func() {
			logger.WithField("address", cfg.StatusAddress).Info("serving status api")
			if err := http.ListenAndServe(cfg.StatusAddress, api.NewRouter(core)); err != nil {
				logger.WithError(err).Error("status api stopped")
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Info("stopping server")
	if err := multierr.Combine(manager.Stop(), core.Stop()); err != nil {
		fmt.Println(err)
	}
}

func generateConfig(args []string) {
	flagset := flag.NewFlagSet("config", flag.ExitOnError)
	var path, servers string
	var cfg common.FileConfig
	flagset.StringVar(&path, "file", "config.yaml", "full path of config file to write to")
	flagset.StringVar(&servers, "servers", "localhost:12345,localhost:12346,localhost:12347", "comma-seperated list of server addresses of raft servers")
	flagset.IntVar(&cfg.ElectionTimeout, "electionTimeout", 200, "value of election timeout (in milliseconds)")
	flagset.IntVar(&cfg.HeartbeatTimeout, "heartbeatTimeout", 50, "value of heartbeat timeout (in milliseconds)")
	flagset.IntVar(&cfg.RPCTimeout, "rpcTimeout", 0, "bound on every consensus rpc (in milliseconds, 0 for default)")
	flagset.IntVar(&cfg.ClientTimeout, "clientTimeout", 0, "bound on a client request (in milliseconds, 0 for default)")
	flagset.StringVar(&cfg.StatusAddress, "statusAddress", "", "address for the http status api, empty to disable")
	flagset.StringVar(&cfg.DataDir, "dataDir", "", "directory holding the bolt databases")
	flagset.StringVar(&cfg.LogLevel, "logLevel", "info", "logrus level")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	for _, addr := range strings.Split(servers, ",") {
		cfg.Cluster = append(cfg.Cluster, common.Server{
			ID:         uuid.New(),
			NetAddress: common.ServerAddress(addr),
		})
	}
	// catch bad timeouts before any server tries to start with them
	if err := cfg.ClusterConfig().Validate(cfg.Cluster[0].ID); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if err := cfg.Save(path); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
}

func runClient(args []string) {
	flagset := flag.NewFlagSet("client", flag.ExitOnError)
	configFile := flagset.String("config", "", "YAML file containing cluster details")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	cfg := loadConfig(*configFile)
	manager := rpc.NewManager()
	defer manager.Stop()
	if err := client.RunCliClient(cfg.Cluster, manager); err != nil {
		fmt.Println(err)
	}
}

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Printf("usage: %s config | server | client | bench1 | bench2 | bench3 ...\n", os.Args[0])
		os.Exit(2)
	}
	switch args[0] {
	case "config":
		generateConfig(args[1:])
	case "server":
		runServer(args[1:])
	case "client":
		runClient(args[1:])
	case "bench1":
		benchmarks.BenchmarkClientReadWriteThroughput(args[1:])
	case "bench2":
		benchmarks.BenchmarkServerCatchUpTime(args[1:])
	case "bench3":
		benchmarks.BenchmarkParallelClientThroughput(args[1:])
	default:
		fmt.Printf("unknown sub-command: %s\n", args[0])
		os.Exit(2)
	}
}
