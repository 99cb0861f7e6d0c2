// Package config loads a node's static fabric topology and overlays
// single-value flag overrides, mirroring the teacher's cmd/server flag
// startup generalized from one flat peer list to a multi-datacenter,
// multi-rack tree. Topology is static for the lifetime of a process —
// there is no gossip/membership subsystem (spec's Non-goals) — so this
// package's only job is turning a YAML file plus overrides into the
// dc/rack/peer tree internal/topology.Pool builds its rings from.
package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"dynofabric/internal/topology"
)

// PeerSpec is one peer entry within a rack in the topology file.
type PeerSpec struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// RackSpec is one rack within a datacenter.
type RackSpec struct {
	Name  string     `yaml:"name"`
	Peers []PeerSpec `yaml:"peers"`
}

// DatacenterSpec is one datacenter within the fabric.
type DatacenterSpec struct {
	Name  string     `yaml:"name"`
	Racks []RackSpec `yaml:"racks"`
}

// File is the on-disk topology document.
type File struct {
	Cluster string `yaml:"cluster"`

	// HashTag is an optional two-character "{}"-style delimiter pair used
	// to extract the routing key from a larger key string. Empty disables
	// hash-tag extraction.
	HashTag string `yaml:"hash_tag"`

	Datacenters []DatacenterSpec `yaml:"datacenters"`

	// Passphrase seeds peerframe.DeriveKey for inter-node encryption. Left
	// empty, peer frames are sent unencrypted.
	Passphrase string `yaml:"passphrase"`
}

// Config is a fully resolved node configuration: the parsed topology file
// plus this node's identity and listener addresses, ready to build an
// internal/topology.Pool.
type Config struct {
	NodeID string

	ClientAddr string
	PeerAddr   string
	AdminAddr  string

	DataDir string

	LocalDC   string
	LocalRack string

	HashTagOpen  byte
	HashTagClose byte

	AdminMode bool

	Passphrase string

	File File
}

// Load reads a topology file from path and applies overrides. An empty
// nodeID falls back to a freshly generated UUID, mirroring how a node
// joining without a pre-assigned identity would bootstrap one.
func Load(path string, nodeID, clientAddr, peerAddr, adminAddr, dataDir, localDC, localRack string, adminMode bool) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(f.Datacenters) == 0 {
		return nil, fmt.Errorf("config: %s declares no datacenters", path)
	}

	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	cfg := &Config{
		NodeID:     nodeID,
		ClientAddr: clientAddr,
		PeerAddr:   peerAddr,
		AdminAddr:  adminAddr,
		DataDir:    dataDir,
		LocalDC:    localDC,
		LocalRack:  localRack,
		AdminMode:  adminMode,
		Passphrase: f.Passphrase,
		File:       f,
	}
	if len(f.HashTag) == 2 {
		cfg.HashTagOpen = f.HashTag[0]
		cfg.HashTagClose = f.HashTag[1]
	}
	return cfg, nil
}

// BuildPool turns the parsed topology file into an internal/topology.Pool,
// marking every peer whose id matches cfg.NodeID as local.
func (cfg *Config) BuildPool() (*topology.Pool, error) {
	dcs := make(map[string]map[string][]topology.Peer, len(cfg.File.Datacenters))
	found := false
	for _, dc := range cfg.File.Datacenters {
		racks := make(map[string][]topology.Peer, len(dc.Racks))
		for _, rack := range dc.Racks {
			peers := make([]topology.Peer, 0, len(rack.Peers))
			for _, p := range rack.Peers {
				local := p.ID == cfg.NodeID
				if local {
					found = true
				}
				peers = append(peers, topology.Peer{ID: p.ID, Addr: p.Addr, Local: local})
			}
			racks[rack.Name] = peers
		}
		dcs[dc.Name] = racks
	}
	if !found {
		return nil, fmt.Errorf("config: node id %q not found in any rack of the topology file", cfg.NodeID)
	}

	pool := topology.NewPool(dcs, cfg.LocalDC, cfg.LocalRack, cfg.NodeID)
	pool.HashTagOpen = cfg.HashTagOpen
	pool.HashTagClose = cfg.HashTagClose
	pool.AdminMode = cfg.AdminMode
	return pool, nil
}
