package model

// ConnectedPayload is sent to the client as the first frame after a
// successful subscribe.
type ConnectedPayload struct {
	Ok            bool   `json:"ok"`
	ConnectionID  string `json:"connection_id"`
	ServerVersion string `json:"server_version"`
}
