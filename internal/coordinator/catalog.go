package coordinator

import (
	"context"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/store"
)

// keepCatalog keeps path-keyed state in step with ledger operations. When a
// file moves or renames, its chunks, derived records and source row follow
// to the new path; undoing walks them back. Deletes are left alone because
// the backup makes them undoable and a stuck stale path surfaces on its
// next trust audit. Bus delivery is best effort; a missed event only leaves
// stale rows that the next ingest replaces.
func (c *Coordinator) keepCatalog(sub *bus.Subscription) {
	defer c.loopWG.Done()

	for ev := range sub.Ch() {
		op, ok := ev.Payload.(bus.OperationEvent)
		if !ok {
			continue
		}
		if op.Type != string(store.OpMove) && op.Type != string(store.OpRename) {
			continue
		}
		switch ev.Topic {
		case bus.TopicOperationApplied:
			c.rekeyPath(op.SourcePath, op.TargetPath)
		case bus.TopicOperationUndone:
			c.rekeyPath(op.TargetPath, op.SourcePath)
		}
	}
}

func (c *Coordinator) rekeyPath(from, to string) {
	ctx := context.Background()
	if err := c.chunks.RenamePath(ctx, from, to); err != nil {
		c.logger.Warn("chunks not re-keyed", "from", from, "to", to, "error", err)
	}
	if err := c.store.RenameSourcePath(ctx, from, to); err != nil {
		c.logger.Warn("source row not re-keyed", "from", from, "to", to, "error", err)
	}
	c.logger.Debug("catalog re-keyed", "from", from, "to", to)
}
