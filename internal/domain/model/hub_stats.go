package model

// HubStats is a point-in-time snapshot of the connection registry, exported
// through the metrics endpoint.
type HubStats struct {
	TotalUsers       int    `json:"total_users"`
	TotalConnections int    `json:"total_connections"`
	DroppedEvents    uint64 `json:"dropped_events"`
}
