package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

// SessionReporter snapshots the enrollment session.
type SessionReporter interface {
	Status() types.SessionStatus
}

// HostProbe samples host health.  A nil probe omits the host section.
type HostProbe func(ctx context.Context) (*types.HostStatus, error)

type StatusService struct {
	identities store.IdentityStore
	audit      store.AuditStore
	sessions   SessionReporter
	adminMode  func() bool
	probe      HostProbe
	now        func() time.Time
}

func NewStatusService(ids store.IdentityStore, audit store.AuditStore, sessions SessionReporter, adminMode func() bool, probe HostProbe) *StatusService {
	return &StatusService{
		identities: ids,
		audit:      audit,
		sessions:   sessions,
		adminMode:  adminMode,
		probe:      probe,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *StatusService) Report(ctx context.Context) (types.StatusReport, error) {
	now := s.now()

	stats, err := s.identities.Stats(ctx)
	if err != nil {
		return types.StatusReport{}, fmt.Errorf("StatusService.Report: %w", err)
	}
	recent, err := s.audit.CountSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return types.StatusReport{}, fmt.Errorf("StatusService.Report: %w", err)
	}

	rep := types.StatusReport{
		ActiveIdentities: stats.ActiveIdentities,
		TotalIdentities:  stats.TotalIdentities,
		TotalEmbeddings:  stats.TotalEmbeddings,
		RecentEvents1h:   recent,
		ServerTime:       now.Format(time.RFC3339Nano),
	}
	if s.adminMode != nil {
		rep.AdminMode = s.adminMode()
	}
	if s.sessions != nil {
		rep.Session = s.sessions.Status()
	} else {
		rep.Session.State = "idle"
	}
	if s.probe != nil {
		// Host metrics are best effort.
		if h, err := s.probe(ctx); err == nil {
			rep.Host = h
		}
	}
	return rep, nil
}

// GopsutilProbe reads uptime, 1-minute load and memory use from the host.
func GopsutilProbe(ctx context.Context) (*types.HostStatus, error) {
	up, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, err
	}
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return &types.HostStatus{
		UptimeSeconds: up,
		Load1:         avg.Load1,
		MemUsedPct:    vm.UsedPercent,
	}, nil
}
