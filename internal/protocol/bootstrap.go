package protocol

// BootstrapData is the state embedded in a rendered page so the client can
// replay what the server already did before talking to it
type BootstrapData struct {
	SessionID string `json:"sessionID"`
	ClientID  int    `json:"clientID,omitempty"`
	Events    Stream `json:"events"`
	// Channels lists the local channel ids the client must implement itself
	// while replaying; nil means implement all of them.
	Channels []int `json:"channels"`
	X        int   `json:"x,omitempty"`
	Y        int   `json:"y,omitempty"`
	Connect  bool  `json:"connect,omitempty"`
}

// LeadingMarker reports the boolean marker at the head of the stream, if any
func (b BootstrapData) LeadingMarker() (bool, bool) {
	if len(b.Events) == 0 {
		return false, false
	}
	marker, ok := b.Events[0].(bool)
	return marker, ok
}
