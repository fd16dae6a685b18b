package entities

// ConnectionState is the lifecycle state of the remote streaming session.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "DISCONNECTED"
	ConnectionConnecting   ConnectionState = "CONNECTING"
	ConnectionConnected    ConnectionState = "CONNECTED"
	ConnectionError        ConnectionState = "ERROR"
)

func (s ConnectionState) String() string {
	return string(s)
}

// Valid reports whether s is one of the known states.
func (s ConnectionState) Valid() bool {
	switch s {
	case ConnectionDisconnected, ConnectionConnecting, ConnectionConnected, ConnectionError:
		return true
	}
	return false
}

// BusState is the observable snapshot pushed to subscribers on every mutation.
type BusState struct {
	ConnectionState ConnectionState `json:"connectionState"`
	QueuedCount     int             `json:"queuedCount"`
	IsProcessing    bool            `json:"isProcessing"`

	// Version increases with every published snapshot.
	Version uint64 `json:"version"`
}
