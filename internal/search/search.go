package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultMessage ResultType = "message"
	ResultDraft   ResultType = "draft"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	ThreadID string     `json:"threadId"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	Status   string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterThreadID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a conversational turn.
type MessageRecord struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Role     string `json:"role"`
	Body     string `json:"body"`
}

// DraftRecord is the data we index for a draft.
type DraftRecord struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}
