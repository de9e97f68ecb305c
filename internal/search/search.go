package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultAction   ResultType = "action"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	DocumentID  string     `json:"documentId"`
	OrgID       string     `json:"orgId"`
	IssueStatus string     `json:"issueStatus,omitempty"`
}

// Query describes a search request. OrgID is always set by the caller so
// results never cross organisation boundaries.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	OrgID      string
	Limit      int
	Offset     int
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

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexAction(a ActionRecord) error
	DeleteAction(id string) error
}

// DocumentRecord is the data we index for an assessment version.
type DocumentRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	SiteName    string `json:"siteName"`
	SiteAddress string `json:"siteAddress"`
	DocType     string `json:"docType"`
	OrgID       string `json:"orgId"`
	IssueStatus string `json:"issueStatus"`
}

// ActionRecord is the data we index for a remedial action.
type ActionRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
	Status     string `json:"status"`
	DocumentID string `json:"documentId"`
	OrgID      string `json:"orgId"`
}
