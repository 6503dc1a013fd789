package database

// Background index deletion: DeleteIndex moves a tree's registry entry
// into the trash immediately so the name is free for reuse,
// then this file drains the tree's entries off the WorkerPool
// (workers.go) before discarding its root. A tree still sitting in the
// trash at Open time (an interrupted drain from a prior crash) is
// resumed the same way.

// startDeletionTask submits id's drain-and-discard as a background job
// and returns a handle the caller can Wait on. A pool already stopped
// by Close rejects the job; the trash entry stays put and the drain
// resumes at the next open.
func (db *Database) startDeletionTask(id uint64) *BackgroundTask {
	task := &BackgroundTask{done: make(chan struct{})}
	accepted := db.workers.Submit(func() {
		task.err = db.drainTrashedTree(id)
		close(task.done)
	})
	if !accepted {
		task.err = ErrClosedDatabase
		close(task.done)
	}
	return task
}

// resumeTrashedIndexes relaunches a drain for every tree id still sitting
// in the trash from before the last clean shutdown.
func (db *Database) resumeTrashedIndexes() {
	ids, err := db.registry.TrashedIDs()
	if err != nil {
		db.log.Warn().Err(err).Msg("failed to scan trashed indexes at open")
		return
	}
	for _, id := range ids {
		db.startDeletionTask(id)
	}
}

// drainTrashedTree deletes every entry in tree id, one key at a time so
// the usual leaf merge logic reclaims pages incrementally rather than
// all at once, then frees the (by now empty) root and removes the
// registry's trash and root entries.
func (db *Database) drainTrashedTree(id uint64) error {
	tree := db.treeByID(id)
	if tree == nil {
		return db.registry.Unmark(id)
	}

	for {
		c := tree.NewCursor(nil)
		if err := c.First(); err != nil {
			c.Close()
			return err
		}
		key, err := c.Key()
		if err != nil {
			c.Close()
			if err == ErrUnpositionedCursor {
				break // tree is empty
			}
			return err
		}
		if _, err := c.Delete(); err != nil {
			c.Close()
			return err
		}
		c.Close()
		_ = key
	}

	if root := tree.Root(); root != 0 {
		n, err := db.nm.LoadFragmentExclusive(root, false)
		if err != nil {
			return err
		}
		db.nm.DeleteNode(n)
		n.latch.unlockExclusive()
		tree.setRoot(0)
	}

	db.registry.Forget(id)

	if _, err := db.registry.tree.Delete(regIDKey(regTagRootID, id)); err != nil {
		return err
	}
	return db.registry.Unmark(id)
}
