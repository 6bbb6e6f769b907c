// Package listing converts raw USAJobs search results into normalized job
// listings, applying the target-location filter along the way.
package listing

import "encoding/json"

// RawListing is one undecoded entry of SearchResult.SearchResultItems.
type RawListing = json.RawMessage

// Location is one entry of PositionLocation.
type Location struct {
	LocationName           string `json:"LocationName"`
	CityName               string `json:"CityName"`
	CountryCode            string `json:"CountryCode"`
	CountrySubDivisionCode string `json:"CountrySubDivisionCode"`
	Longitude              any    `json:"Longitude,omitempty"`
	Latitude               any    `json:"Latitude,omitempty"`
}

// Remuneration is one entry of PositionRemuneration. Range bounds arrive as
// numeric strings in practice but are kept untyped until parsed.
type Remuneration struct {
	MinimumRange     any    `json:"MinimumRange"`
	MaximumRange     any    `json:"MaximumRange"`
	RateIntervalCode string `json:"RateIntervalCode"`
	Description      string `json:"Description,omitempty"`
}

// Listing is the normalized, persisted shape of a job posting.
type Listing struct {
	PositionID           string
	PositionTitle        string
	PositionURI          string
	OrganizationName     string
	DepartmentName       string
	PositionLocation     []Location
	CityName             string
	StateCode            string
	PositionRemuneration []Remuneration
	MinSalary            *int
	MaxSalary            *int
	PositionStartDate    *string
	PositionEndDate      *string
	PublicationStartDate *string
	ApplicationCloseDate *string
	JobSummary           string
	JobCategory          json.RawMessage
	JobGrade             json.RawMessage
}

// Outcome classifies the result of transforming one raw listing.
type Outcome int

const (
	// Accepted means the listing matched the target location and was normalized.
	Accepted Outcome = iota
	// Filtered means the listing is valid but out of scope.
	Filtered
	// ParseFailure means the listing could not be decoded.
	ParseFailure
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Filtered:
		return "filtered"
	case ParseFailure:
		return "parse_failure"
	default:
		return "unknown"
	}
}

// Filter reasons reported with a Filtered outcome.
const (
	ReasonNoLocation       = "no_location"
	ReasonLocationMismatch = "location_mismatch"
)

// Result is the outcome of Transform. Listing is set only when Outcome is
// Accepted; PositionID is best-effort for logging in every case.
type Result struct {
	Outcome       Outcome
	Listing       Listing
	PositionID    string
	Title         string
	Reason        string
	Err           error
	LocationCount int
	MultiLocation bool
	Nationwide    bool
}

type rawItem struct {
	MatchedObjectID         string     `json:"MatchedObjectId"`
	MatchedObjectDescriptor descriptor `json:"MatchedObjectDescriptor"`
}

// descriptor keeps incidental fields untyped so one malformed value degrades
// to empty or nil instead of failing the whole record. Only the location list
// is decoded strictly.
type descriptor struct {
	PositionTitle           any             `json:"PositionTitle"`
	PositionURI             any             `json:"PositionURI"`
	PositionLocationDisplay any             `json:"PositionLocationDisplay"`
	PositionLocation        []Location      `json:"PositionLocation"`
	OrganizationName        any             `json:"OrganizationName"`
	DepartmentName          any             `json:"DepartmentName"`
	JobCategory             json.RawMessage `json:"JobCategory"`
	JobGrade                json.RawMessage `json:"JobGrade"`
	PositionRemuneration    json.RawMessage `json:"PositionRemuneration"`
	PositionStartDate       any             `json:"PositionStartDate"`
	PositionEndDate         any             `json:"PositionEndDate"`
	PublicationStartDate    any             `json:"PublicationStartDate"`
	ApplicationCloseDate    any             `json:"ApplicationCloseDate"`
	UserArea                json.RawMessage `json:"UserArea"`
}

type userArea struct {
	Details struct {
		JobSummary any `json:"JobSummary"`
	} `json:"Details"`
}
