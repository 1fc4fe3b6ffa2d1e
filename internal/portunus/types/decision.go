package types

// DecisionRequest is what the recognition loop submits for every evaluated
// face: the best candidate (empty when nothing matched) and its score.
type DecisionRequest struct {
	IdentityID string  `json:"identity_id,omitempty"`
	Score      float64 `json:"score"`
}

type DecisionResponse struct {
	Granted     bool    `json:"granted"`
	Reason      string  `json:"reason"`
	IdentityID  string  `json:"identity_id,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
	Score       float64 `json:"score"`
	Threshold   float64 `json:"threshold"`
	DecidedAt   string  `json:"decided_at"`
}
