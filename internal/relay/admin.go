package relay

import (
	"context"
	"time"

	"github.com/jinzhu/copier"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	log "github.com/sirupsen/logrus"

	"github.com/livewatch/relay/internal/ledger"
	"github.com/livewatch/relay/internal/registry"
)

// SessionReport is the administrator's view of one active session.
type SessionReport struct {
	ConnectionID  string               `json:"connectionId"`
	Identity      string               `json:"identity"`
	Target        string               `json:"target"`
	StartedAt     time.Time            `json:"startedAt"`
	UptimeSeconds float64              `json:"uptimeSeconds"`
	Viewers       int                  `json:"viewers"`
	Stats         registry.StatsReport `json:"stats"`
}

// HostReport carries process-host load figures for the admin dashboard.
type HostReport struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// AdminList is the payload of an admin_update_list message: every known
// identity (most recent first), every live session, and host load.
type AdminList struct {
	Identities []ledger.Record `json:"identities"`
	Sessions   []SessionReport `json:"sessions"`
	Host       HostReport      `json:"host"`
}

// buildAdminList assembles a point-in-time snapshot for administrators.
func (r *Relay) buildAdminList(ctx context.Context) AdminList {

	identities, err := r.ledger.List(ctx)
	if err != nil {
		// a stale identity list is better than no admin update at all
		log.WithField("error", err.Error()).Error("listing identities for admin view")
		identities = []ledger.Record{}
	}

	now := time.Now()

	sessions := []SessionReport{}
	for _, sess := range r.sessions.Snapshot() {
		report := SessionReport{}
		if err := copier.Copy(&report, sess); err != nil {
			log.WithField("error", err.Error()).Error("copying session report")
			continue
		}
		report.UptimeSeconds = now.Sub(sess.StartedAt).Seconds()
		report.Viewers = sess.ViewerCount()
		if sess.Stats != nil {
			report.Stats = sess.Stats.Report()
		}
		sessions = append(sessions, report)
	}

	return AdminList{
		Identities: identities,
		Sessions:   sessions,
		Host:       hostReport(),
	}
}

func hostReport() HostReport {

	var report HostReport

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		report.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		report.MemoryPercent = vm.UsedPercent
	}

	return report
}

// broadcastAdminList rebuilds the snapshot and sends it to every
// authenticated administrator. Called after every mutation an administrator
// view should reflect.
func (r *Relay) broadcastAdminList(ctx context.Context) {
	r.hub.broadcastAdmins(outbound{Type: "admin_update_list", Payload: r.buildAdminList(ctx)})
}
