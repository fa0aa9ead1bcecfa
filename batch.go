package main

import (
	"context"
	"fmt"
	"time"
)

// AccountStore is the account persistence the batch driver reads from and writes to.
type AccountStore interface {
	CheckinableAccounts(ctx context.Context, limit int) ([]AccountRecord, error)
	UpdateAccountInfo(ctx context.Context, id string, update AccountUpdate) error
}

// BatchSummary counts the outcomes of one batch.
type BatchSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Keys      int
}

func (b BatchSummary) String() string {
	return fmt.Sprintf("%d accounts: %d succeeded, %d failed, %d skipped, %d resale keys uploaded",
		b.Total, b.Succeeded, b.Failed, b.Skipped, b.Keys)
}

// buildAccountUpdate maps a run result onto the fields the account store keeps.
// The consecutive error count lives on the record and is only changed here.
func buildAccountUpdate(rec AccountRecord, res RunResult, now time.Time) AccountUpdate {
	var u AccountUpdate

	if !res.Success {
		count := rec.CheckinErrorCount + 1
		u.CheckinErrorCount = &count
		return u
	}

	checkinDate := now.UnixMilli()
	zero := 0
	u.CheckinDate = &checkinDate
	u.CheckinErrorCount = &zero

	if snap := res.Snapshot; snap != nil {
		balance := snap.Balance()
		used := snap.Used()
		u.Balance = &balance
		u.Used = &used
		if snap.AffCode != "" {
			affCode := snap.AffCode
			u.AffCode = &affCode
		}
		if len(snap.Tokens) > 0 {
			u.Tokens = snap.Tokens
		}
	}
	return u
}

// runBatch pulls check-in candidates, feeds them through the scheduler and
// writes each result back. It returns the scheduler's fatal error, if any.
func runBatch(ctx context.Context, store AccountStore, sched *Scheduler, limit int, logger Logger) (BatchSummary, error) {
	var summary BatchSummary

	accounts, err := store.CheckinableAccounts(ctx, limit)
	if err != nil {
		return summary, fmt.Errorf("load accounts: %w", err)
	}
	summary.Total = len(accounts)
	logger.Log("Loaded %d check-in candidates", len(accounts))
	if len(accounts) == 0 {
		return summary, nil
	}

	eligible := make([]AccountRecord, 0, len(accounts))
	for _, rec := range accounts {
		if rec.Session == "" || rec.AccountID == "" {
			logger.Log("Account %s has no session or account id, skipping", rec.Username)
			summary.Skipped++
			continue
		}
		eligible = append(eligible, rec)
	}
	if len(eligible) == 0 {
		return summary, nil
	}

	sched.Start(ctx)

	go func() {
		for _, rec := range eligible {
			if !sched.Submit(rec) {
				break
			}
		}
		sched.Close()
	}()

	done := summary.Skipped
	for jr := range sched.Results() {
		if jr.Fatal {
			continue
		}
		done++

		switch {
		case jr.Skipped:
			summary.Skipped++
			continue
		case jr.Attempts == 0:
			summary.Failed++
			logger.Log("[%d/%d] INTERRUPTED: %s: %v", done, summary.Total, jr.Record.Username, jr.Error)
			continue
		case jr.Result.Success:
			summary.Succeeded++
			summary.Keys += jr.Result.UploadedKeys
			logger.Log("[%d/%d] SUCCESS: %s (%s)", done, summary.Total, jr.Record.Username, jr.Result.Duration.Round(time.Second))
		default:
			summary.Failed++
			logger.Log("[%d/%d] FAILED: %s: %s %s", done, summary.Total, jr.Record.Username, jr.Result.ErrorKind, jr.Result.ErrorMessage)
		}

		update := buildAccountUpdate(jr.Record, jr.Result, time.Now())
		if err := store.UpdateAccountInfo(ctx, jr.Record.ID, update); err != nil {
			logger.Log("Persist %s failed: %v", jr.Record.Username, err)
		}
	}

	return summary, sched.Err()
}
