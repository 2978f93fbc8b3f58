package config

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

type (
	// Pinner contains the configuration for the pin store.
	Pinner struct {
		// Dir is the directory CAR archives are written to.
		Dir string `yaml:"dir"`
		// QueueDelay is how long a pin stays queued before its background
		// job starts.
		QueueDelay time.Duration `yaml:"queueDelay"`
	}

	// Renterd contains the address, password, and bucket on the renterd worker
	Renterd struct {
		WorkerAddress  string `yaml:"workerAddress"`
		WorkerPassword string `yaml:"workerPassword"`
		Bucket         string `yaml:"bucket"`
	}

	// IPFSPeer contains the configuration for additional IPFS peers
	IPFSPeer struct {
		ID        peer.ID  `yaml:"id"`
		Addresses []string `yaml:"addresses"`
	}

	// IPFS contains the configuration for the IPFS node
	IPFS struct {
		PrivateKey        string     `yaml:"privateKey"`
		ListenAddresses   []string   `yaml:"listenAddresses"`
		AnnounceAddresses []string   `yaml:"announceAddresses"`
		Peers             []IPFSPeer `yaml:"peers"`
		// CacheSize is the maximum number of fetched blocks to cache in
		// memory.
		CacheSize int `yaml:"cacheSize"`
	}

	// API contains the listen address of the API server
	API struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
	}

	// Log contains the log settings
	Log struct {
		Level string `yaml:"level"`
	}

	// Config contains the configuration for carpd
	Config struct {
		Pinner  Pinner  `yaml:"pinner"`
		Renterd Renterd `yaml:"renterd"`
		IPFS    IPFS    `yaml:"ipfs"`
		API     API     `yaml:"api"`
		Log     Log     `yaml:"log"`
	}
)
