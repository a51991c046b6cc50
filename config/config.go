package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Network groups the peer-admission knobs consumed by the p2p layer. Field
// names mirror the deployed default configuration file.
type Network struct {
	ListenAddresses   []string `toml:"listen_addresses"`
	Bootnodes         []string `toml:"bootnodes"`
	ReservedNodes     []string `toml:"reserved_nodes"`
	OnlyReservedPeers bool     `toml:"only_reserved_peers"`
	MinPeers          int      `toml:"min_peers"`
	MaxPeers          int      `toml:"max_peers"`
	SecretFile        string   `toml:"secret_file"`
	NodesFile         string   `toml:"nodes_file"`
}

// Store configures the address book's SQLite file and its connection pool.
type Store struct {
	Path         string   `toml:"path"`
	PoolSize     int      `toml:"pool_size"`
	PoolWait     Duration `toml:"pool_wait"`
	BusyRetries  int      `toml:"busy_retries"`
	BusyBackoff  Duration `toml:"busy_backoff"`
	BookCapacity int      `toml:"book_capacity"`
}

// Policy overrides the scoring and ban schedule defaults. Zero values fall
// back to the built-in policy.
type Policy struct {
	ScoreMin      int      `toml:"score_min"`
	ScoreMax      int      `toml:"score_max"`
	DefaultScore  int      `toml:"default_score"`
	BanFloor      int      `toml:"ban_floor"`
	EvictionFloor int      `toml:"eviction_floor"`
	BanBase       Duration `toml:"ban_base"`
	BanCap        Duration `toml:"ban_cap"`
	RelapseWindow Duration `toml:"relapse_window"`
}

type Config struct {
	DataDir string  `toml:"data_dir"`
	Network Network `toml:"network"`
	Store   Store   `toml:"store"`
	Policy  Policy  `toml:"policy"`
}

// Duration parses TOML duration strings ("15m", "1h") into time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without touching disk.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./ckb-data"
	}
	net := &cfg.Network
	if len(net.ListenAddresses) == 0 {
		net.ListenAddresses = []string{"0.0.0.0:8115"}
	}
	if net.Bootnodes == nil {
		net.Bootnodes = []string{}
	}
	if net.ReservedNodes == nil {
		net.ReservedNodes = []string{}
	}
	if net.MaxPeers <= 0 {
		net.MaxPeers = 125
	}
	if net.MinPeers <= 0 {
		net.MinPeers = net.MaxPeers / 2
		if net.MinPeers <= 0 {
			net.MinPeers = 1
		}
	}
	if strings.TrimSpace(net.SecretFile) == "" {
		net.SecretFile = filepath.Join(cfg.DataDir, "network", "key")
	}
	if strings.TrimSpace(net.NodesFile) == "" {
		net.NodesFile = filepath.Join(cfg.DataDir, "network", "nodes.json")
	}
	store := &cfg.Store
	if strings.TrimSpace(store.Path) == "" {
		store.Path = filepath.Join(cfg.DataDir, "network", "peer_store.db")
	}
	if store.PoolSize <= 0 {
		store.PoolSize = 4
	}
	if store.PoolWait <= 0 {
		store.PoolWait = Duration(3 * time.Second)
	}
	if store.BusyRetries <= 0 {
		store.BusyRetries = 3
	}
	if store.BusyBackoff <= 0 {
		store.BusyBackoff = Duration(50 * time.Millisecond)
	}
	if store.BookCapacity <= 0 {
		store.BookCapacity = 16384
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
