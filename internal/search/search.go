package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	CreatorID string  `json:"creatorId"`
	Rank      float64 `json:"rank,omitempty"`
}

// Query describes a search request. Results are limited to documents UserID
// created or was granted access to.
type Query struct {
	Text   string
	UserID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// DocumentRecord is the data we index for a lesson plan. Members holds every
// user id with access, the creator included.
type DocumentRecord struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	CreatorID string   `json:"creatorId"`
	Members   []string `json:"members"`
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}
