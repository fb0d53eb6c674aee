/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package orchestrator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jordigilh/selfheal/pkg/shared/logging"
	"github.com/jordigilh/selfheal/pkg/store"
)

// DefaultOrphanTimeout and DefaultApprovalTimeout are the reconciliation
// defaults: in-flight IN_PROGRESS executions left unreconciled past
// orphan_timeout are marked FAILED("cancelled"); APPROVAL_REQUIRED
// executions left unanswered past approval_timeout auto-reject.
const (
	DefaultOrphanTimeout   = 30 * time.Minute
	DefaultApprovalTimeout = 24 * time.Hour
)

// SweepOrphans scans every IN_PROGRESS execution whose start_time is
// older than orphanTimeout and marks it FAILED with reason "cancelled".
// It returns the ids swept.
func (o *Orchestrator) SweepOrphans(ctx context.Context, orphanTimeout time.Duration) ([]string, error) {
	cutoff := o.nowFn().Add(-orphanTimeout)
	recs, err := o.docs.Query(ctx, collection, store.Criteria{"status": string(StateInProgress)}, 0)
	if err != nil {
		return nil, err
	}

	var swept []string
	for _, rec := range recs {
		exec := execFromDoc(rec.Doc)
		if exec.StartTime.After(cutoff) {
			continue
		}
		if _, err := o.terminal(ctx, exec, StateFailed, false, "cancelled", nil); err != nil {
			return swept, err
		}
		swept = append(swept, exec.HealingID)
	}
	return swept, nil
}

// SweepApprovalTimeouts scans every APPROVAL_REQUIRED execution whose
// start_time is older than approvalTimeout and auto-rejects it:
// an unanswered approval request does not wait forever.
func (o *Orchestrator) SweepApprovalTimeouts(ctx context.Context, approvalTimeout time.Duration) ([]string, error) {
	cutoff := o.nowFn().Add(-approvalTimeout)
	recs, err := o.docs.Query(ctx, collection, store.Criteria{"status": string(StateApprovalRequired)}, 0)
	if err != nil {
		return nil, err
	}

	var swept []string
	for _, rec := range recs {
		exec := execFromDoc(rec.Doc)
		if exec.StartTime.After(cutoff) {
			continue
		}
		if _, err := o.terminal(ctx, exec, StateRejected, false, "approval timeout", nil); err != nil {
			return swept, err
		}
		swept = append(swept, exec.HealingID)
	}
	return swept, nil
}

// ScheduleSweeps registers both sweeps on c, running every minute by
// default — cheap no-op scans when nothing is overdue, matching
// pkg/pattern.ScheduleLearningSweep's cron-job shape for this same
// "single-writer guard, periodic reconciliation" concern.
func (o *Orchestrator) ScheduleSweeps(c *cron.Cron, spec string, orphanTimeout, approvalTimeout time.Duration) (orphanID, approvalID cron.EntryID, err error) {
	orphanID, err = c.AddFunc(spec, func() {
		swept, err := o.SweepOrphans(context.Background(), orphanTimeout)
		o.logSweep("orphan", swept, err)
	})
	if err != nil {
		return 0, 0, err
	}
	approvalID, err = c.AddFunc(spec, func() {
		swept, err := o.SweepApprovalTimeouts(context.Background(), approvalTimeout)
		o.logSweep("approval_timeout", swept, err)
	})
	return orphanID, approvalID, err
}

func (o *Orchestrator) logSweep(kind string, swept []string, err error) {
	if err != nil {
		o.logger.Error("healing sweep failed", logging.NewFields().
			Component("orchestrator").
			Operation(kind+"_sweep").
			Error(err).
			ToZap()...)
		return
	}
	if len(swept) == 0 {
		return
	}
	o.logger.Info("healing sweep reconciled executions", logging.NewFields().
		Component("orchestrator").
		Operation(kind+"_sweep").
		Count(len(swept)).
		ToZap()...)
}
