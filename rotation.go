package bunstore

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// rotationScheduler drives periodic collection rotation from cron
// expressions. One scheduler serves the whole database; each rotating
// collection registers a job on it.
type rotationScheduler struct {
	cron *cron.Cron
}

func newRotationScheduler() *rotationScheduler {
	return &rotationScheduler{cron: cron.New()}
}

func (s *rotationScheduler) start() { s.cron.Start() }
func (s *rotationScheduler) stop()  { s.cron.Stop() }

// schedule registers a collection's rotation job. Returns an error for an
// unparsable cron expression.
func (s *rotationScheduler) schedule(c *Collection) error {
	_, err := s.cron.AddFunc(c.rotate, func() {
		if err := c.Rotate(); err != nil {
			fmt.Printf("[WARN] rotation of collection %s failed: %v\n", c.name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid rotation schedule %q: %w", c.rotate, err)
	}
	return nil
}

// Rotate copies the collection into an archival sibling named
// "<name>.<timestamp>", then resets the source and persists it. The id
// counter survives the reset so generated keys stay unique.
func (c *Collection) Rotate() error {
	archiveName := fmt.Sprintf("%s.%s", c.name, time.Now().UTC().Format("2006-01-02T15-04-05Z"))

	if err := c.Persist(archiveName); err != nil {
		return fmt.Errorf("failed to archive collection %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.list.Reset()
	for _, h := range c.hooks {
		h.ensure()
	}
	for _, tree := range c.indexes {
		tree.Reset()
	}
	c.mu.Unlock()

	if err := c.Persist(); err != nil {
		return fmt.Errorf("failed to persist rotated collection %s: %w", c.name, err)
	}
	fmt.Printf("[INFO] rotated collection %s into %s\n", c.name, archiveName)
	return nil
}
