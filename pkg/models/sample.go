package models

// GeneratedSample is one synthetic row handed back to the caller.
type GeneratedSample struct {
	Context     ContextAssignment    `json:"context"`
	Unspecified []string             `json:"unspecified,omitempty"`
	Series      map[string][]float64 `json:"series"`
	Seed        int64                `json:"seed"`
}

// GenerateRequest is the wire form of a generation call.
type GenerateRequest struct {
	Context    ContextAssignment `json:"context"`
	Count      int               `json:"count"`
	Seed       *int64            `json:"seed,omitempty"`
	Stochastic bool              `json:"stochastic,omitempty"`
}

// GenerateResponse is the wire form of a generation result.
type GenerateResponse struct {
	Samples []GeneratedSample `json:"samples"`
	Count   int               `json:"count"`
}
