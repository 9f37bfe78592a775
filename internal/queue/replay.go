package queue

import (
	"log/slog"

	"github.com/marcus/flipstock/internal/models"
)

// Remote is the subset of the sync server client the replay needs.
type Remote interface {
	UpsertBatch(accountID, table string, records []models.Record) error
	DeleteBatch(accountID, table string, ids []string) error
}

// Result aggregates one replay pass, surfaced to the user as a toast.
type Result struct {
	OK      int `json:"ok"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
}

// Replay drains the queue and attempts each entry against the remote in
// enqueue order. A failed entry is re-enqueued with retries+1 until it has
// been attempted maxRetries times, then permanently dropped. Only one replay
// runs at a time; a concurrent call is a no-op.
func (q *Queue) Replay(client Remote, accountID string) Result {
	if !q.replaying.TryLock() {
		return Result{}
	}
	defer q.replaying.Unlock()

	entries, err := q.DrainInOrder()
	if err != nil {
		slog.Warn("queue: drain failed", "err", err)
		return Result{}
	}
	if len(entries) == 0 {
		return Result{}
	}

	var res Result
	for _, e := range entries {
		if err := q.replayEntry(client, accountID, e); err != nil {
			e.Retries++
			if e.Retries >= maxRetries {
				res.Dropped++
				slog.Warn("queue: entry dropped after max retries",
					"seq", e.Seq, "action", e.Action, "table", e.Table, "err", err)
				continue
			}
			res.Failed++
			slog.Debug("queue: entry failed, re-enqueued",
				"seq", e.Seq, "retries", e.Retries, "err", err)
			if reErr := q.append(e); reErr != nil {
				slog.Warn("queue: re-enqueue failed", "seq", e.Seq, "err", reErr)
			}
			continue
		}
		res.OK++
	}

	slog.Info("queue: replay complete",
		"ok", res.OK, "failed", res.Failed, "dropped", res.Dropped)
	return res
}

// replayEntry performs the remote write an entry stands for. Undecodable
// payloads are errors so the bounded retry eventually drops them.
func (q *Queue) replayEntry(client Remote, accountID string, e Entry) error {
	switch e.Action {
	case ActionUpsert:
		recs, err := e.Records()
		if err != nil {
			return err
		}
		return client.UpsertBatch(accountID, e.Table, recs)
	case ActionDelete:
		ids, err := e.IDs()
		if err != nil {
			return err
		}
		return client.DeleteBatch(accountID, e.Table, ids)
	default:
		return errUnknownAction(e.Action)
	}
}

type errUnknownAction Action

func (e errUnknownAction) Error() string {
	return "unknown queue action: " + string(e)
}
