package common

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

// ServerAddress represents a network address of a raft server (hostname:port)
type ServerAddress string

type Server struct {
	ID         uuid.UUID     `yaml:"id"`
	NetAddress ServerAddress `yaml:"address"`
}

const (
	DefaultHeartBeatTimeout    = 50 * time.Millisecond
	DefaultElectionTimeout     = 200 * time.Millisecond
	DefaultRPCTimeout          = 100 * time.Millisecond
	DefaultClientTimeout       = 5 * time.Second
	DefaultMaxEntriesPerAppend = 64
)

// ClusterConfig specifies configuration information related to a
// raft cluster. This includes tunable properties of the Raft
// protocol itself such as different timeouts. Membership is fixed for
// the lifetime of a node.
type ClusterConfig struct {
	Cluster          []Server
	HeartBeatTimeout time.Duration
	// ElectionTimeout is the lower bound of the randomized election
	// timeout, the upper bound is twice this value.
	ElectionTimeout time.Duration
	// RPCTimeout bounds every outgoing consensus RPC.
	RPCTimeout time.Duration
	// ClientTimeout bounds how long a client request waits to be applied.
	ClientTimeout       time.Duration
	MaxEntriesPerAppend int
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
func (c ClusterConfig) WithDefaults() ClusterConfig {
	if c.HeartBeatTimeout <= 0 {
		c.HeartBeatTimeout = DefaultHeartBeatTimeout
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = DefaultElectionTimeout
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = DefaultClientTimeout
	}
	if c.MaxEntriesPerAppend <= 0 {
		c.MaxEntriesPerAppend = DefaultMaxEntriesPerAppend
	}
	return c
}

// Validate checks that me is a member of a well-formed cluster.
func (c ClusterConfig) Validate(me uuid.UUID) error {
	if len(c.Cluster) == 0 {
		return fmt.Errorf("%w: empty cluster", ErrInvalidConfig)
	}
	seen := make(map[uuid.UUID]bool)
	for _, server := range c.Cluster {
		if server.ID == uuid.Nil {
			return fmt.Errorf("%w: server %q has no id", ErrInvalidConfig, server.NetAddress)
		}
		if seen[server.ID] {
			return fmt.Errorf("%w: duplicate server id %v", ErrInvalidConfig, server.ID)
		}
		seen[server.ID] = true
	}
	if !seen[me] {
		return fmt.Errorf("%w: %v is not a cluster member", ErrInvalidConfig, me)
	}
	if c.HeartBeatTimeout >= c.ElectionTimeout {
		return fmt.Errorf("%w: heartbeat timeout %v must be below election timeout %v",
			ErrInvalidConfig, c.HeartBeatTimeout, c.ElectionTimeout)
	}
	return nil
}

// Quorum is the strict majority of the configured cluster, floor(N/2)+1.
func (c ClusterConfig) Quorum() int {
	return len(c.Cluster)/2 + 1
}

// Peers returns every member of the cluster except me.
func (c ClusterConfig) Peers(me uuid.UUID) []Server {
	var peers []Server
	for _, server := range c.Cluster {
		if server.ID != me {
			peers = append(peers, server)
		}
	}
	return peers
}

// FileConfig is the YAML layout shared by the CLI sub-commands.
// Durations are in milliseconds.
type FileConfig struct {
	Cluster          []Server `yaml:"cluster"`
	HeartbeatTimeout int      `yaml:"heartbeatTimeout"`
	ElectionTimeout  int      `yaml:"electionTimeout"`
	RPCTimeout       int      `yaml:"rpcTimeout,omitempty"`
	ClientTimeout    int      `yaml:"clientTimeout,omitempty"`
	StatusAddress    string   `yaml:"statusAddress,omitempty"`
	DataDir          string   `yaml:"dataDir,omitempty"`
	LogLevel         string   `yaml:"logLevel,omitempty"`
}

func LoadFileConfig(path string) (*FileConfig, error) {
	bytes, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func (f *FileConfig) Save(path string) error {
	bytes, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, bytes, 0644)
}

// ClusterConfig converts the file representation, filling defaults.
func (f *FileConfig) ClusterConfig() ClusterConfig {
	return ClusterConfig{
		Cluster:          f.Cluster,
		HeartBeatTimeout: time.Millisecond * time.Duration(f.HeartbeatTimeout),
		ElectionTimeout:  time.Millisecond * time.Duration(f.ElectionTimeout),
		RPCTimeout:       time.Millisecond * time.Duration(f.RPCTimeout),
		ClientTimeout:    time.Millisecond * time.Duration(f.ClientTimeout),
	}.WithDefaults()
}
