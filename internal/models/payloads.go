package models

// CrawledQuery is the data carried by a DBWorker/get_crawled_data
// request: return existing records for the keyword whose created_at
// falls inside the window.
type CrawledQuery struct {
	Keyword string    `json:"keyword"`
	Range   DateRange `json:"range"`
}

// CrawledResult is the data carried by the CrawlWorker/on_fetched_data
// response to a CrawledQuery.
type CrawledResult struct {
	Keyword string        `json:"keyword"`
	Range   DateRange     `json:"range"`
	Data    []TweetRecord `json:"data"`
}

// CreateRequest is the data carried by a DBWorker/create_new_data
// request: persist the harvested records for a project.
type CreateRequest struct {
	ProjectID string        `json:"project_id"`
	Data      []TweetRecord `json:"data"`
}

// CreateResult is the data the DBWorker routes onward to
// BrokerGateway/produce_data after an insert.
type CreateResult struct {
	ProjectID   string   `json:"project_id"`
	InsertedIDs []string `json:"inserted_ids"`
}

// ProduceNotice is the minimal downstream notification published when a
// job's window is satisfied: consumers re-query the store themselves.
type ProduceNotice struct {
	ProjectID string `json:"project_id"`
	Keyword   string `json:"keyword"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

// NewProduceNotice builds the downstream notification for a job.
func NewProduceNotice(job Job) ProduceNotice {
	return ProduceNotice{
		ProjectID: job.ProjectID,
		Keyword:   job.Keyword,
		Start:     FormatDay(job.Start),
		End:       FormatDay(job.End),
	}
}
