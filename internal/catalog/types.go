// Package catalog defines the documents and collaborator interfaces shared by the
// catalog sync pipeline: the remote list/detail payloads, the persisted sync state,
// the embedded asset log and the append-only error trail.
package catalog

import (
	"net/http"
	"time"
)

// RunStatus is the lifecycle state of a sync run or of one query within it.
type RunStatus string

// Run and query statuses persisted in SyncState.
const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Stop reasons recorded when a query leaves the running state.
const (
	StopMaxResultWindow = "max_result_window"
	StopListError       = "list_error"
	StopListRequest     = "list_request_failed"
	StopNoMoreItems     = "no_more_items"
	StopMaxPages        = "max_pages"
)

// Counters tracks request and item totals for a run or a single query.
type Counters struct {
	ListRequests       int `json:"listRequests"`
	DetailRequests     int `json:"detailRequests"`
	ListItemsSaved     int `json:"listItemsSaved"`
	DetailItemsSaved   int `json:"detailItemsSaved"`
	DetailItemsSkipped int `json:"detailItemsSkipped"`
	FailedRequests     int `json:"failedRequests"`
}

// QueryProgress is the resumable progress of one query in a multi-query run.
type QueryProgress struct {
	Counters
	Status            RunStatus  `json:"status,omitempty"`
	LastOffset        int        `json:"lastOffset"`
	LastSlugProcessed string     `json:"lastSlugProcessed,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	StopReason        string     `json:"stopReason,omitempty"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// MultiQueryState orders the queries of a run and points at the active one.
type MultiQueryState struct {
	Queries      []string                  `json:"queries"`
	CurrentIndex int                       `json:"currentIndex"`
	PerQuery     map[string]*QueryProgress `json:"perQuery"`
}

// Progress returns the progress record for query, creating it when absent.
func (m *MultiQueryState) Progress(query string) *QueryProgress {
	if m.PerQuery == nil {
		m.PerQuery = make(map[string]*QueryProgress)
	}
	p, ok := m.PerQuery[query]
	if !ok || p == nil {
		p = &QueryProgress{}
		m.PerQuery[query] = p
	}
	return p
}

// Pending reports whether any query in the list has not completed.
func (m *MultiQueryState) Pending() bool {
	for _, q := range m.Queries {
		p, ok := m.PerQuery[q]
		if !ok || p == nil || p.Status != StatusCompleted {
			return true
		}
	}
	return false
}

// SyncState is the single checkpoint document of a logical run.
type SyncState struct {
	Counters
	ID                string          `json:"id"`
	Status            RunStatus       `json:"status"`
	LastOffset        int             `json:"lastOffset"`
	TotalCount        int             `json:"totalCount"`
	TotalPages        int             `json:"totalPages"`
	LastError         string          `json:"lastError,omitempty"`
	StopReason        string          `json:"stopReason,omitempty"`
	CurrentQuery      string          `json:"currentQuery"`
	LastSlugProcessed string          `json:"lastSlugProcessed,omitempty"`
	StartedAt         *time.Time      `json:"startedAt,omitempty"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	MultiQuery        MultiQueryState `json:"multiQuery"`
}

// ListItem is one catalog row as returned by the list endpoint.
type ListItem struct {
	Slug           string         `json:"slug"`
	ProblemID      string         `json:"problem_id,omitempty"`
	Category       string         `json:"category,omitempty"`
	Status         string         `json:"status,omitempty"`
	Level          string         `json:"level,omitempty"`
	Modified       *time.Time     `json:"modified,omitempty"`
	FetchedAt      time.Time      `json:"fetchedAt"`
	ListOffset     int            `json:"listOffset"`
	ListPageNumber int            `json:"listPageNumber"`
	Raw            map[string]any `json:"raw"`
}

// DetailRecord is the full content of one catalog entry after asset rewriting.
type DetailRecord struct {
	Slug           string         `json:"slug"`
	ProblemID      string         `json:"problem_id,omitempty"`
	Category       string         `json:"category,omitempty"`
	Status         string         `json:"status,omitempty"`
	Level          string         `json:"level,omitempty"`
	Modified       *time.Time     `json:"modified,omitempty"`
	FetchedAt      time.Time      `json:"fetchedAt"`
	ListOffset     int            `json:"listOffset"`
	ListPageNumber int            `json:"listPageNumber"`
	Raw            map[string]any `json:"raw"`
	Meta           DetailMeta     `json:"meta"`
}

// DetailMeta carries the embedded, append-only asset log of a detail record.
// Assets holds the entries produced by the current processing pass; stores append
// them to whatever log is already persisted for the slug.
type DetailMeta struct {
	Assets       []AssetRecord `json:"assets"`
	LastSyncedAt *time.Time    `json:"lastSyncedAt,omitempty"`
}

// Append adds one asset entry and refreshes LastSyncedAt.
func (m *DetailMeta) Append(rec AssetRecord, at time.Time) {
	m.Assets = append(m.Assets, rec)
	ts := at
	m.LastSyncedAt = &ts
}

// AssetKind names the field family an asset was discovered in.
type AssetKind string

// Asset kinds recorded in the asset log.
const (
	AssetProjectAsset      AssetKind = "project_asset"
	AssetUISampleSolution  AssetKind = "ui_sample_solution"
	AssetUIStub            AssetKind = "ui_stub"
	AssetDescriptionImage  AssetKind = "description_image"
	AssetAttachment        AssetKind = "attachment"
	AssetPrivateAttachment AssetKind = "private_attachment"
	AssetDeepScan          AssetKind = "deep_scan"
)

// AssetStatus is the outcome of mirroring one asset.
type AssetStatus string

// Asset outcomes.
const (
	AssetDownloaded AssetStatus = "downloaded"
	AssetUploaded   AssetStatus = "uploaded"
	AssetSkipped    AssetStatus = "skipped"
	AssetFailed     AssetStatus = "failed"
)

// AssetRecord is one entry in a detail record's asset log.
type AssetRecord struct {
	Kind         AssetKind   `json:"kind"`
	Slug         string      `json:"slug"`
	SourceURL    string      `json:"sourceUrl"`
	Key          string      `json:"key,omitempty"`
	LocalPath    string      `json:"localPath,omitempty"`
	MirrorURL    string      `json:"mirrorUrl,omitempty"`
	Status       AssetStatus `json:"status"`
	ErrorStatus  int         `json:"errorStatus,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

// ErrorContext identifies the unit of work a SyncError belongs to.
type ErrorContext struct {
	Type   string `json:"type"`
	Slug   string `json:"slug,omitempty"`
	Offset *int   `json:"offset,omitempty"`
	URL    string `json:"url,omitempty"`
	Query  string `json:"query,omitempty"`
}

// SyncError is one row of the append-only failure audit trail.
type SyncError struct {
	ErrorContext
	Status    int         `json:"status,omitempty"`
	Message   string      `json:"message"`
	Data      []byte      `json:"data,omitempty"`
	Headers   http.Header `json:"headers,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ListMeta is the pagination block of a list response.
type ListMeta struct {
	Offset     int    `json:"offset"`
	PageNumber int    `json:"page_number"`
	TotalCount int    `json:"total_count"`
	TotalPages int    `json:"total_pages"`
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
}

// ListPage is the unwrapped result of one list request.
type ListPage struct {
	Objects []map[string]any
	Meta    ListMeta
}

// ListQuery holds the list endpoint parameters that vary per request.
type ListQuery struct {
	Query  string
	Offset int
	Limit  int
}
