package notify

// Channel payload shapes. All payloads are JSON objects; an optional Ident
// field scopes delivery (see scopeMatches).

// InsertPayload is one element of the insert channel payload: the list of
// queues that just gained available work.
type InsertPayload struct {
	Queue string `json:"queue"`
}

// Signal actions understood by producers and the queue lifecycle manager.
const (
	SignalPause  = "pause"
	SignalResume = "resume"
	SignalScale  = "scale"
	SignalPkill  = "pkill"
	SignalStart  = "start"
	SignalStop   = "stop"
)

// SignalPayload is a control message on the signal channel.
type SignalPayload struct {
	Action string `json:"action"`
	Queue  string `json:"queue,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	JobID  int64  `json:"job_id,omitempty"`
	Paused bool   `json:"paused,omitempty"`
	Ident  string `json:"ident,omitempty"`
}

// LeaderPayload announces that the named instance's leader stepped down, so
// followers may re-contest immediately.
type LeaderPayload struct {
	Down string `json:"down"`
}

// SonarPayload is one cluster heartbeat.
type SonarPayload struct {
	Node string `json:"node"`
	Ping bool   `json:"ping"`
}

// StagerPayload is the staging liveness probe. Producers treat it as
// confirmation that staging notifications still propagate.
type StagerPayload struct {
	Ping string `json:"ping"`
}

// CheckRequestPayload asks producers on the gossip channel to report queue
// state. ReplyTo carries the requester's ident for the scoped response.
type CheckRequestPayload struct {
	Action  string `json:"action"`
	Queue   string `json:"queue,omitempty"`
	ReplyTo string `json:"reply_to"`
	Ident   string `json:"ident,omitempty"`
}

// CheckReplyPayload is one producer's answer to a gossip check.
type CheckReplyPayload struct {
	Name      string  `json:"name"`
	Node      string  `json:"node"`
	Queue     string  `json:"queue"`
	Limit     int     `json:"limit"`
	Paused    bool    `json:"paused"`
	Running   []int64 `json:"running"`
	StartedAt string  `json:"started_at"`
	Ident     string  `json:"ident,omitempty"`
}
