package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RecordType classifies a node in the remote tree. Values outside the known
// set are passed through untouched.
type RecordType string

// Record types returned by the inventory API.
const (
	RecordTypeDirectory RecordType = "directory"
	RecordTypeObject    RecordType = "object"
	RecordTypeLink      RecordType = "link"
)

// Bookkeeping reports whether records of this type only exist to drive the
// traversal and must not remain searchable.
func (t RecordType) Bookkeeping() bool {
	return t == RecordTypeDirectory || t == RecordTypeLink
}

// ErrUnstructuredListing marks a listing whose body was not JSON.
var ErrUnstructuredListing = errors.New("listing is not structured")

// Record is one node of the remote tree. Fields the crawler does not interpret
// are kept in Extra and written back out verbatim.
type Record struct {
	ID           string     `json:"id"`
	RecordType   RecordType `json:"recordType"`
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	AssetURI     string     `json:"assetUri,omitempty"`
	ThumbnailURI string     `json:"thumbnailUri,omitempty"`
	ThumbnailURL string     `json:"thumbnailUrl,omitempty"`
	Tags         []string   `json:"tags,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type recordAlias Record

var recordFields = []string{
	"id", "recordType", "name", "path", "assetUri", "thumbnailUri", "thumbnailUrl", "tags",
}

// UnmarshalJSON decodes the known fields and stashes the rest in Extra.
func (r *Record) UnmarshalJSON(data []byte) error {
	var known recordAlias
	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode record fields: %w", err)
	}
	for _, name := range recordFields {
		delete(raw, name)
	}
	if len(raw) > 0 {
		known.Extra = raw
	}
	*r = Record(known)
	return nil
}

// MarshalJSON merges Extra with the known fields. Known fields win.
func (r Record) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(recordAlias(r))
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	if len(r.Extra) == 0 {
		return base, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	merged := make(map[string]json.RawMessage, len(r.Extra)+len(fields))
	for k, v := range r.Extra {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return out, nil
}

// DropFields removes pass-through fields by name.
func (r *Record) DropFields(names []string) {
	if len(r.Extra) == 0 {
		return
	}
	for _, name := range names {
		delete(r.Extra, name)
	}
	if len(r.Extra) == 0 {
		r.Extra = nil
	}
}

// Root is one configured starting point of the harvest.
type Root struct {
	OwnerID   string `json:"owner_id" mapstructure:"owner_id"`
	Directory string `json:"directory" mapstructure:"directory"`
}

func (r Root) String() string {
	return r.OwnerID + ":" + r.Directory
}

// Batch is the set of children returned for one directory visit. Batches are
// not modified after the harvest hands them out.
type Batch struct {
	Root    Root     `json:"root"`
	Path    string   `json:"path"`
	Records []Record `json:"records"`
}

// NodeFailure records a directory whose children could not be harvested.
type NodeFailure struct {
	Root Root
	Path string
	Err  error
	At   time.Time
}

// TreeRequest addresses one directory listing on the inventory API.
type TreeRequest struct {
	APIBase string
	OwnerID string
	Path    string
}

// URL renders GET {apiBase}/users/{ownerId}/records?path={path}.
func (r TreeRequest) URL() (string, error) {
	base, err := url.Parse(strings.TrimRight(r.APIBase, "/"))
	if err != nil {
		return "", fmt.Errorf("parse api base: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("api base %q must be absolute", r.APIBase)
	}
	if r.OwnerID == "" {
		return "", errors.New("owner id is required")
	}
	// Match encodeURIComponent: spaces as %20, not '+'.
	path := strings.ReplaceAll(url.QueryEscape(r.Path), "+", "%20")
	return fmt.Sprintf("%s/users/%s/records?path=%s", base.String(), url.PathEscape(r.OwnerID), path), nil
}

// Listing is the decoded response for one directory.
type Listing struct {
	ContentType string
	// Structured is true when the body was JSON and Records is populated.
	Structured bool
	Records    []Record
	// Text holds the raw body of a non-JSON response.
	Text string
}

// StatusError reports a non-success HTTP status from the inventory API.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Duplicate is an id seen more than once in a run.
type Duplicate struct {
	ID        string `json:"id"`
	FirstPath string `json:"first_path"`
	Path      string `json:"path"`
}

// DuplicateReport summarises id collisions across all roots.
type DuplicateReport struct {
	Count   int         `json:"count"`
	Samples []Duplicate `json:"samples,omitempty"`
}

// Result is the outcome of a harvest across all roots.
type Result struct {
	Batches  []Batch
	Failures []NodeFailure
	// Visited counts directories whose listing was harvested.
	Visited int
	Records int
	// MalformedThumbnails counts objects emitted without a thumbnail URL.
	MalformedThumbnails int
	Duplicates          DuplicateReport
}
