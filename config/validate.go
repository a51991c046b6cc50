package config

import "fmt"

// Validate rejects configurations the p2p layer cannot honor.
func Validate(cfg *Config) error {
	net := cfg.Network
	if net.MaxPeers <= 0 {
		return fmt.Errorf("network: max_peers <= 0")
	}
	if net.MinPeers > net.MaxPeers {
		return fmt.Errorf("network: min_peers > max_peers")
	}
	if net.OnlyReservedPeers && len(net.ReservedNodes) == 0 {
		return fmt.Errorf("network: only_reserved_peers set without reserved_nodes")
	}
	if cfg.Store.PoolSize <= 0 {
		return fmt.Errorf("store: pool_size <= 0")
	}
	if cfg.Store.PoolWait <= 0 {
		return fmt.Errorf("store: pool_wait <= 0")
	}
	pol := cfg.Policy
	if pol.ScoreMin != 0 || pol.ScoreMax != 0 {
		if pol.ScoreMin >= pol.ScoreMax {
			return fmt.Errorf("policy: score_min >= score_max")
		}
		if pol.BanFloor != 0 && (pol.BanFloor < pol.ScoreMin || pol.BanFloor > pol.ScoreMax) {
			return fmt.Errorf("policy: ban_floor outside score bounds")
		}
	}
	return nil
}
