package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"collabtext/awareness"
)

// Discovery advertises this agent over mDNS and records the agents it finds.
type Discovery struct {
	service  string
	instance string
	port     int
	txt      []string
	peers    *PeerCache
	log      *logrus.Entry
	now      func() time.Time
}

func newDiscovery(service string, actor awareness.ActorID, port int, docID string, peers *PeerCache, log *logrus.Entry) *Discovery {
	host, _ := os.Hostname()
	return &Discovery{
		service:  service,
		instance: fmt.Sprintf("%s-%s-%d", "CollabText", host, actor),
		port:     port,
		txt:      []string{"txtv=0", "doc=" + docID, fmt.Sprintf("actor=%d", actor)},
		peers:    peers,
		log:      log,
		now:      time.Now,
	}
}

// Run registers the service and browses for peers until ctx is done.
func (d *Discovery) Run(ctx context.Context) error {
	server, err := zeroconf.Register(d.instance, d.service, "local.", d.port, d.txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	defer server.Shutdown()
	d.log.WithFields(logrus.Fields{"service": d.service, "port": d.port}).Info("mDNS service registered")

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			d.record(entry)
		}
	}(entries)

	if err := resolver.Browse(ctx, d.service, "local.", entries); err != nil {
		return fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	d.log.Info("mDNS browsing finished.")
	return nil
}

// record stores a discovered peer, ignoring this agent's own announcement.
func (d *Discovery) record(entry *zeroconf.ServiceEntry) {
	if entry == nil || entry.Instance == d.instance {
		return
	}
	p := Peer{
		Instance: entry.Instance,
		Host:     strings.TrimSuffix(entry.HostName, "."),
		Port:     entry.Port,
		LastSeen: d.now(),
	}
	for _, ip := range entry.AddrIPv4 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		p.Addrs = append(p.Addrs, ip.String())
	}
	for _, kv := range entry.Text {
		if v, ok := strings.CutPrefix(kv, "doc="); ok {
			p.DocID = v
		}
	}
	d.log.WithFields(logrus.Fields{"peer": p.Instance, "addr": p.Address()}).Info("mDNS discovered peer")
	if d.peers != nil {
		if err := d.peers.Put(p); err != nil {
			d.log.WithError(err).Warn("Failed to cache peer")
		}
	}
}
