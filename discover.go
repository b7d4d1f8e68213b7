package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kr5hn4/tranzit/config"
	"github.com/kr5hn4/tranzit/discovery"
	"github.com/kr5hn4/tranzit/network"
)

const announceTimeout = 5 * time.Second

func runDiscover(ctx context.Context, window time.Duration, announce bool) error {
	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	discoveryConfig := discovery.Config{
		Instance:       cfg.DeviceName,
		Port:           config.ControlPort(cfg),
		DiscoverWindow: window,
	}
	browser, err := discovery.NewBrowser(discoveryConfig)
	if err != nil {
		return fmt.Errorf("create browser: %w", err)
	}

	peers, err := browser.DiscoverOnce(ctx)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOSTNAME\tADDRESS\tOS\tID")
	for _, peer := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", peer.Hostname, peer.Address(), peer.OS, peer.ID)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d peer(s) found\n", len(peers))

	if !announce || len(peers) == 0 {
		return nil
	}

	ip, err := discovery.PrimaryIPv4()
	if err != nil {
		return fmt.Errorf("assisted announce: %w", err)
	}
	self := discovery.NewAdvertiser(discoveryConfig).Descriptor(ip.String())
	client := network.NewClient(nil)

	for _, peer := range peers {
		announceCtx, cancel := context.WithTimeout(ctx, announceTimeout)
		reply, err := discovery.AssistedAnnounce(announceCtx, client, peer.IP, peer.Port, self)
		cancel()
		if err != nil {
			logrus.WithError(err).WithField("peer", peer.Address()).Warn("assisted announce failed")
			continue
		}
		fmt.Printf("announced to %s: %s\n", peer.Address(), reply)
	}
	return nil
}
