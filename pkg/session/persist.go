package session

import (
	"context"
	"fmt"
	"time"
)

// schedulePersist debounces writes to storage. A continuous burst of changes
// stops pushing the write back after ten debounce intervals.
func (c *Coordinator) schedulePersist() {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if c.persistStopped {
		return
	}
	now := time.Now()
	if c.persistTimer == nil {
		c.pendingSince = now
		c.persistTimer = time.AfterFunc(c.cfg.PersistDebounce, c.flushPersist)
		return
	}
	if now.Sub(c.pendingSince) < 10*c.cfg.PersistDebounce {
		c.persistTimer.Reset(c.cfg.PersistDebounce)
	}
}

func (c *Coordinator) stopPersist() {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	c.persistStopped = true
	if c.persistTimer != nil {
		c.persistTimer.Stop()
		c.persistTimer = nil
	}
}

func (c *Coordinator) flushPersist() {
	c.persistMu.Lock()
	c.persistTimer = nil
	c.persistMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	content := c.contentLocked()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.writeContentLocked(ctx, content); err != nil {
		c.logger.Error("failed to persist content", "err", err)
	}
}

func (c *Coordinator) writeContent(ctx context.Context, content string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeContentLocked(ctx, content)
}

func (c *Coordinator) writeContentLocked(ctx context.Context, content string) error {
	if content == c.persisted {
		return nil
	}
	if err := c.cfg.Storage.Persist(ctx, c.cfg.DocumentID, content); err != nil {
		return fmt.Errorf("failed to persist %s: %w", c.cfg.DocumentID, err)
	}
	c.persisted = content
	c.logger.Debug("persisted content", "bytes", len(content))
	return nil
}
