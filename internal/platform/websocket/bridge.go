package websocket

import (
	"encoding/json"

	"github.com/edpulse/edpulse/internal/domain/dashboard"
)

// snapshotSummary is the compact payload pushed on the dashboard topic.
// Clients fetch the full snapshot over HTTP; the socket only signals that
// a new one exists and carries the headline numbers.
type snapshotSummary struct {
	DataSource dashboard.DataSource `json:"dataSource"`
	KPIs       dashboard.KPIs       `json:"kpis"`
	Patients   int                  `json:"patientCount"`
	Alerts     int                  `json:"alertCount"`
}

// SnapshotBroadcaster adapts the hub to the coordinator's subscriber
// contract: each published snapshot becomes one event per relevant topic.
func SnapshotBroadcaster(hub *Hub) func(*dashboard.Snapshot) {
	return func(snap *dashboard.Snapshot) {
		summary, err := json.Marshal(snapshotSummary{
			DataSource: snap.DataSource,
			KPIs:       snap.KPIs,
			Patients:   len(snap.Patients),
			Alerts:     len(snap.Alerts),
		})
		if err != nil {
			hub.log.Error().Err(err).Msg("marshal snapshot summary")
			return
		}
		hub.Broadcast(Event{
			Type:      "dashboard.updated",
			Topic:     TopicDashboard,
			Timestamp: snap.GeneratedAt,
			Data:      summary,
		})

		if len(snap.Alerts) > 0 {
			alerts, err := json.Marshal(snap.Alerts)
			if err != nil {
				hub.log.Error().Err(err).Msg("marshal alerts")
				return
			}
			hub.Broadcast(Event{
				Type:      "alerts.updated",
				Topic:     TopicAlerts,
				Timestamp: snap.GeneratedAt,
				Data:      alerts,
			})
		}

		source, _ := json.Marshal(map[string]string{"dataSource": string(snap.DataSource)})
		hub.Broadcast(Event{
			Type:      "status.updated",
			Topic:     TopicStatus,
			Timestamp: snap.GeneratedAt,
			Data:      source,
		})
	}
}
