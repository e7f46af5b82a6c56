package blobs

import (
	"bytes"
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/leapcode/blobsync/internal/store"
)

// Sync reconciles the local and remote views of one namespace. The four
// phases run in order, each observing the effects of the previous one:
// remote deletions are applied first, then the status refresh diffs the two
// lists, then missing blobs are fetched and finally pending uploads are
// sent.
func (m *Manager) Sync(ctx context.Context, namespace string) error {
	if err := m.applyDeletionsFromServer(ctx, namespace); err != nil {
		return err
	}
	if err := m.RefreshSyncStatusFromServer(ctx, namespace); err != nil {
		return err
	}
	if err := m.FetchMissing(ctx, namespace); err != nil {
		return err
	}
	return m.SendMissing(ctx, namespace)
}

// applyDeletionsFromServer removes local rows for blobs the server has
// tombstoned, then marks the ids SYNCED.
func (m *Manager) applyDeletionsFromServer(ctx context.Context, namespace string) error {
	deleted, err := m.RemoteList(ctx, ListOptions{Namespace: namespace, Deleted: true})
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		return nil
	}
	m.log.Debug().Strs("blob_ids", deleted).Msg("applying remote deletions")
	if err := m.local.BatchDelete(ctx, deleted); err != nil {
		return err
	}
	return m.local.SetBatchSyncStatus(ctx, deleted, namespace, store.StatusSynced)
}

// RefreshSyncStatusFromServer diffs the remote and local id sets. Ids only
// the server knows become PENDING_DOWNLOAD, ids only this device knows
// become PENDING_UPLOAD. LOCAL_ONLY blobs never enter the upload set and a
// blob that already spent its download budget is not re-queued.
func (m *Manager) RefreshSyncStatusFromServer(ctx context.Context, namespace string) error {
	var remoteIDs, localIDs []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := m.RemoteList(gctx, ListOptions{Namespace: namespace})
		remoteIDs = ids
		return err
	})
	g.Go(func() error {
		ids, err := m.local.List(gctx, namespace)
		localIDs = ids
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	localSet := make(map[string]bool, len(localIDs))
	for _, id := range localIDs {
		localSet[id] = true
	}
	remoteSet := make(map[string]bool, len(remoteIDs))
	for _, id := range remoteIDs {
		remoteSet[id] = true
	}

	var pendingDownload, pendingUpload []string
	for _, id := range remoteIDs {
		if localSet[id] {
			continue
		}
		status, _, err := m.local.GetSyncStatus(ctx, id)
		if err != nil {
			return err
		}
		if status == store.StatusFailedDownload {
			continue
		}
		pendingDownload = append(pendingDownload, id)
	}
	for _, id := range localIDs {
		if remoteSet[id] {
			continue
		}
		status, _, err := m.local.GetSyncStatus(ctx, id)
		if err != nil {
			return err
		}
		if status == store.StatusLocalOnly {
			continue
		}
		pendingUpload = append(pendingUpload, id)
	}

	m.log.Debug().Int("pending_download", len(pendingDownload)).
		Int("pending_upload", len(pendingUpload)).Msg("refreshed sync status")
	if err := m.local.SetBatchSyncStatus(ctx, pendingDownload, namespace, store.StatusPendingDownload); err != nil {
		return err
	}
	return m.local.SetBatchSyncStatus(ctx, pendingUpload, namespace, store.StatusPendingUpload)
}

// SendMissing uploads every PENDING_UPLOAD blob in the namespace. The
// status list is re-read each pass so blobs enqueued while a pass runs
// still participate. Only one SendMissing per manager runs at a time.
func (m *Manager) SendMissing(ctx context.Context, namespace string) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return m.transferLoop(ctx, namespace, store.StatusPendingUpload, func(ctx context.Context, blobID string, i, total int) error {
		return m.send(ctx, blobID, namespace, i, total)
	})
}

// FetchMissing downloads every PENDING_DOWNLOAD blob in the namespace.
// Only one FetchMissing per manager runs at a time.
func (m *Manager) FetchMissing(ctx context.Context, namespace string) error {
	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()
	return m.transferLoop(ctx, namespace, store.StatusPendingDownload, func(ctx context.Context, blobID string, i, total int) error {
		_, err := m.fetch(ctx, blobID, namespace)
		return err
	})
}

// transferLoop drains a status queue in batches of at most the concurrent
// transfer limit, each transfer running under the shared semaphore and its
// own retry loop. The first fatal error aborts the batch and surfaces.
func (m *Manager) transferLoop(ctx context.Context, namespace string, status store.SyncStatus, transfer func(ctx context.Context, blobID string, i, total int) error) error {
	for {
		ids, err := m.local.ListStatus(ctx, status, namespace)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		total := len(ids)
		batch := ids
		if len(batch) > m.cfg.ConcurrentTransfersLimit {
			batch = batch[:m.cfg.ConcurrentTransfersLimit]
		}
		g, gctx := errgroup.WithContext(ctx)
		for i, blobID := range batch {
			i, blobID := i, blobID
			g.Go(func() error {
				if err := m.transfers.Acquire(gctx, 1); err != nil {
					return err
				}
				defer m.transfers.Release(1)
				return withRetry(gctx, m.cfg.RetryWaitBase, m.cfg.RetryWaitStep, m.cfg.RetryWaitMax, func() error {
					return transfer(gctx, blobID, i+1, total)
				})
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// send uploads one pending blob from the local store. A fatal server
// rejection parks the blob in FAILED_UPLOAD before surfacing.
func (m *Manager) send(ctx context.Context, blobID, namespace string, i, total int) error {
	m.log.Debug().Str("blob_id", blobID).Int("n", i).Int("total", total).Msg("sending blob")
	content, err := m.local.Get(ctx, blobID, namespace)
	if err != nil {
		return err
	}
	if err := m.encryptAndUpload(ctx, blobID, namespace, bytes.NewReader(content.Bytes())); err != nil {
		if !retriable(err) {
			if serr := m.local.SetSyncStatus(ctx, blobID, namespace, store.StatusFailedUpload); serr != nil {
				return serr
			}
		}
		return err
	}
	return m.local.SetSyncStatus(ctx, blobID, namespace, store.StatusSynced)
}

// SyncProgress snapshots how many blobs sit in each sync status.
func (m *Manager) SyncProgress(ctx context.Context) (map[string]int, error) {
	progress, err := m.local.SyncProgress(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(progress))
	for status, ids := range progress {
		counts[status.String()] = len(ids)
	}
	return counts, nil
}
