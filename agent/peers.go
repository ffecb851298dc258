package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	cerrors "collabtext/errors"
)

var peersBucket = []byte("peers")

// Peer is an agent discovered on the local network.
type Peer struct {
	Instance string    `json:"instance"`
	Host     string    `json:"host"`
	Addrs    []string  `json:"addrs"`
	Port     int       `json:"port"`
	DocID    string    `json:"docId,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// Address returns host:port using the first known address.
func (p Peer) Address() string {
	host := p.Host
	if len(p.Addrs) > 0 {
		host = p.Addrs[0]
	}
	return fmt.Sprintf("%s:%d", host, p.Port)
}

// PeerCache remembers discovered peers across agent restarts.
type PeerCache struct {
	db *bolt.DB
}

// OpenPeerCache opens (or creates) the cache file at path.
func OpenPeerCache(path string) (*PeerCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, cerrors.StorageFailed("create peer cache dir", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, cerrors.StorageFailed("open peer cache", err).WithDetail("path", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(peersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, cerrors.StorageFailed("init peer cache", err)
	}
	return &PeerCache{db: db}, nil
}

func (c *PeerCache) Close() error {
	return c.db.Close()
}

// Put records p, replacing any earlier entry for the same instance.
func (c *PeerCache) Put(p Peer) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Put([]byte(p.Instance), data)
	})
	if err != nil {
		return cerrors.StorageFailed("put peer", err).WithDetail("instance", p.Instance)
	}
	return nil
}

// List returns every cached peer, most recently seen first.
func (c *PeerCache) List() ([]Peer, error) {
	var peers []Peer
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(k, v []byte) error {
			var p Peer
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("peer %q: %w", k, err)
			}
			peers = append(peers, p)
			return nil
		})
	})
	if err != nil {
		return nil, cerrors.StorageFailed("list peers", err)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].LastSeen.After(peers[j].LastSeen) })
	return peers, nil
}

// Prune deletes peers not seen since before and returns how many were removed.
func (c *PeerCache) Prune(before time.Time) (int, error) {
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(peersBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var p Peer
			if err := json.Unmarshal(v, &p); err != nil || p.LastSeen.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, cerrors.StorageFailed("prune peers", err)
	}
	return removed, nil
}
