package types

// StatusReport is the GET_STATUS payload.
type StatusReport struct {
	ActiveIdentities int64         `json:"active_identities"`
	TotalIdentities  int64         `json:"total_identities"`
	TotalEmbeddings  int64         `json:"total_embeddings"`
	RecentEvents1h   int64         `json:"recent_attempts_1h"`
	AdminMode        bool          `json:"admin_mode"`
	Session          SessionStatus `json:"session"`
	Host             *HostStatus   `json:"host,omitempty"`
	ServerTime       string        `json:"server_time"`
}

type SessionStatus struct {
	State          string `json:"state"` // idle | collecting | finalizing
	IdentityID     string `json:"identity_id,omitempty"`
	PhotosReceived int    `json:"photos_received,omitempty"`
	PhotosTotal    int    `json:"photos_total,omitempty"`
	NextChunk      int    `json:"next_chunk,omitempty"`
	Failures       int    `json:"failures,omitempty"`
}

type HostStatus struct {
	UptimeSeconds uint64  `json:"uptime_s"`
	Load1         float64 `json:"load1"`
	MemUsedPct    float64 `json:"mem_used_pct"`
}
