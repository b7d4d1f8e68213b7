package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kr5hn4/tranzit/config"
	"github.com/kr5hn4/tranzit/discovery"
	"github.com/kr5hn4/tranzit/events"
	"github.com/kr5hn4/tranzit/models"
	"github.com/kr5hn4/tranzit/network"
)

func runSend(ctx context.Context, to string, paths []string) error {
	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ip, port, err := splitPeerAddress(to, config.ControlPort(cfg))
	if err != nil {
		return err
	}

	offered := make([]models.FileInfo, 0, len(paths))
	uploads := make([]models.UploadFile, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %q: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%q is not a regular file", path)
		}
		name := filepath.Base(path)
		offered = append(offered, models.FileInfo{Name: name, Size: info.Size()})
		uploads = append(uploads, models.UploadFile{LocalPath: path, UUID: uuid.NewString(), DisplayName: name})
	}

	client := network.NewClient(nil)
	fmt.Printf("waiting for %s to accept %d file(s)...\n", to, len(offered))
	raw, err := client.RequestTransfer(ctx, ip, port, offered, discovery.LocalSystemInfo())
	if err != nil {
		return fmt.Errorf("transfer request: %w", err)
	}
	decision, err := network.ParseDecision(raw)
	if err != nil {
		return err
	}
	if !decision.Accepted {
		if decision.Message != "" {
			return fmt.Errorf("transfer declined: %s", decision.Message)
		}
		return errors.New("transfer declined")
	}

	progress := newProgressTracker()
	uploader := network.NewUploader(network.UploaderConfig{
		Client: client,
		Sink:   progress,
	})
	if err := uploader.Upload(uploads, ip, port); err != nil {
		return err
	}
	uploader.Wait()

	incomplete := 0
	for _, file := range uploads {
		if progress.percent(file.UUID) != 100 {
			incomplete++
			logrus.WithField("file", file.DisplayName).Warn("upload did not complete")
		}
	}
	if incomplete > 0 {
		return fmt.Errorf("%d of %d upload(s) did not complete", incomplete, len(uploads))
	}
	fmt.Printf("sent %d file(s)\n", len(uploads))
	return nil
}

// progressTracker prints upload progress and remembers the last percent per file.
type progressTracker struct {
	mu   sync.Mutex
	last map[string]int
}

func newProgressTracker() *progressTracker {
	return &progressTracker{last: make(map[string]int)}
}

func (p *progressTracker) Emit(name string, payload any) {
	if name != events.UploadProgress {
		return
	}
	update, ok := payload.(models.UploadProgress)
	if !ok {
		return
	}

	p.mu.Lock()
	p.last[update.UUID] = update.Percent
	p.mu.Unlock()

	if update.Percent%10 == 0 {
		fmt.Printf("%-40s %3d%%\n", update.Filename, update.Percent)
	}
}

func (p *progressTracker) percent(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last[id]
}
