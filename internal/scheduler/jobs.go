package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/fabric"
	"github.com/meridian-pb/inventory/internal/modules/inventory"
	"github.com/meridian-pb/inventory/internal/modules/limits"
	"github.com/meridian-pb/inventory/internal/modules/locates"
	"github.com/meridian-pb/inventory/internal/modules/position"
	"github.com/meridian-pb/inventory/internal/reliability"
)

const jobTimeout = 5 * time.Minute

// SODRollJob freezes yesterday's positions, rolls every engine onto today's
// business date and clears intraday limit reservations.
type SODRollJob struct {
	Positions *position.Engine
	Inventory *inventory.Engine
	Limits    *limits.Engine
	Deriver   *limits.Deriver
	Log       zerolog.Logger
}

func (j *SODRollJob) Name() string { return "sod-roll" }

func (j *SODRollJob) Run() error {
	today := domain.BusinessDateOf(time.Now())
	if j.Positions.BusinessDate() == today {
		return nil
	}
	j.Log.Info().Str("business_date", string(today)).Msg("Rolling business date")

	if err := j.Positions.RollBusinessDate(today); err != nil {
		return fmt.Errorf("position roll: %w", err)
	}
	j.Inventory.RollBusinessDate(today)
	if err := j.Limits.Rebuild(today, nil); err != nil {
		return fmt.Errorf("limit rebuild: %w", err)
	}
	if j.Deriver != nil {
		j.Deriver.Reset()
	}
	return nil
}

// DriftCheckJob recomputes every inventory aggregate from scratch and
// repairs any stored category that no longer matches.
type DriftCheckJob struct {
	Inventory *inventory.Engine
	Log       zerolog.Logger
}

func (j *DriftCheckJob) Name() string { return "drift-check" }

func (j *DriftCheckJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	drifted, err := j.Inventory.VerifyDrift(ctx)
	if err != nil {
		return err
	}
	if drifted > 0 {
		j.Log.Warn().Int("repaired", drifted).Msg("Inventory drift repaired")
	}
	return nil
}

// LocateExpiryJob expires unresolved locate requests past their TTL.
type LocateExpiryJob struct {
	Locates *locates.Service
}

func (j *LocateExpiryJob) Name() string { return "locate-expiry" }

func (j *LocateExpiryJob) Run() error {
	_, err := j.Locates.ExpireStale()
	return err
}

// DecrementShrinkJob returns idle locate decrements to the pool near the
// close, keeping each approval's floor.
type DecrementShrinkJob struct {
	Locates   *locates.Service
	Positions *position.Engine
}

func (j *DecrementShrinkJob) Name() string { return "decrement-shrink" }

func (j *DecrementShrinkJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	return j.Locates.ShrinkIdleDecrements(ctx, j.Positions.BusinessDate())
}

// FlushJob persists dirty engine state.
type FlushJob struct {
	Positions *position.Engine
	Limits    *limits.Engine
}

func (j *FlushJob) Name() string { return "flush" }

func (j *FlushJob) Run() error {
	if err := j.Positions.Flush(); err != nil {
		return fmt.Errorf("position flush: %w", err)
	}
	return j.Limits.Flush()
}

// DedupSweepJob evicts expired dedup fingerprints from the fabric.
type DedupSweepJob struct {
	Fabric *fabric.Fabric
	Log    zerolog.Logger
}

func (j *DedupSweepJob) Name() string { return "dedup-sweep" }

func (j *DedupSweepJob) Run() error {
	evicted := j.Fabric.Deduper().Sweep()
	if evicted > 0 {
		j.Log.Debug().Int("evicted", evicted).Msg("Dedup fingerprints swept")
	}
	return nil
}

// ArchiveJob ships a snapshot archive to object storage and rotates old
// ones.
type ArchiveJob struct {
	Archiver *reliability.SnapshotArchiver
}

func (j *ArchiveJob) Name() string { return "snapshot-archive" }

func (j *ArchiveJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := j.Archiver.CreateAndUpload(ctx); err != nil {
		return err
	}
	return j.Archiver.Rotate(ctx)
}
