package datatypes

// RetrievalRequest asks the retriever for grounded context.
type RetrievalRequest struct {
	Query       string            `json:"query"`
	TopK        int               `json:"top_k"`
	TokenBudget int               `json:"token_budget"`
	Filter      map[string]string `json:"filter,omitempty"`
}

// Document is one retrieved passage with its composite score.
type Document struct {
	ID    string         `json:"id"`
	Text  string         `json:"text"`
	Score float64        `json:"score"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// RetrievalResult is always well-formed: advisory failures inside the
// retriever produce an empty document list, never an error. A non-empty
// Warning means the result is degraded (embedding or vector store down)
// and should be surfaced to the caller and audited.
type RetrievalResult struct {
	Documents []Document `json:"documents"`
	Truncated bool       `json:"truncated"`
	Warning   string     `json:"warning,omitempty"`
}
