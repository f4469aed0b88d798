package main

import (
	"context"
	"testing"
	"time"

	"github.com/italolelis/manifest_syncer/internal/transfer"
)

func TestLogProgress_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan transfer.Progress, 1)
	events <- transfer.Progress{RelativePath: "a.bin", DownloadedBytes: 5, TotalBytes: 10}

	done := make(chan struct{})
	go func() {
		logProgress(ctx, events)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("logProgress kept running on an open channel after cancel")
	}
}
