package audit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Producer is the small subset of kafka producer behavior the streamer needs.
type Producer interface {
	ProduceEntry(ctx context.Context, e *Entry) (time.Time, error)
	Close() error
}

// StreamerConfig configures the durable DB-first compliance exporter.
type StreamerConfig struct {
	// How many entries to claim per poll.
	BatchSize int

	// PollInterval when there is no work (or after a batch).
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent processing of claimed entries.
	MaxConcurrency int
}

// Streamer exports audit entries: it claims pending rows with
// FOR UPDATE SKIP LOCKED, produces each to the compliance topic, archives
// the JSON to object storage, and marks the row streamed or failed. The
// database row is the source of truth for retries.
type Streamer struct {
	log      *PGLog
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	wg       sync.WaitGroup
}

func NewStreamer(pgLog *PGLog, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{log: pgLog, producer: producer, archiver: archiver, cfg: cfg}
}

// Run polls for pending entries until ctx is cancelled. Safe to run in a
// goroutine.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[audit.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		entries, err := s.log.FetchPendingForStreaming(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		if len(entries) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for _, e := range entries {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(e *Entry) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.processEntry(ctx, e); err != nil {
					log.Printf("[audit.streamer] entry %s: %v", e.ID, err)
				}
			}(e)
		}
		s.wg.Wait()
	}
}

func (s *Streamer) processEntry(ctx context.Context, e *Entry) error {
	if _, err := s.producer.ProduceEntry(ctx, e); err != nil {
		_ = s.log.MarkStreamFailed(ctx, e.ID, err)
		return fmt.Errorf("produce: %w", err)
	}
	if s.archiver != nil {
		if err := s.archiver.ArchiveEntry(ctx, e); err != nil {
			_ = s.log.MarkStreamFailed(ctx, e.ID, err)
			return fmt.Errorf("archive: %w", err)
		}
	}
	if err := s.log.MarkStreamed(ctx, e.ID); err != nil {
		return fmt.Errorf("mark streamed: %w", err)
	}
	return nil
}
