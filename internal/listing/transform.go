package listing

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
)

const (
	dateLayout = "2006-01-02"
	// Postings that list more locations than this are treated as nationwide.
	nationwideThreshold = 10
)

var emptyJSONArray = json.RawMessage("[]")

// Transformer normalizes raw listings for a single target location.
type Transformer struct {
	target       string
	needle       string
	defaultState string
}

// NewTransformer builds a Transformer matching target case-insensitively.
// The target also serves as the fallback city name.
func NewTransformer(target, defaultState string) *Transformer {
	target = strings.TrimSpace(target)
	return &Transformer{
		target:       target,
		needle:       strings.ToLower(target),
		defaultState: defaultState,
	}
}

// Transform decodes raw and classifies it as Accepted, Filtered or ParseFailure.
// It never panics on malformed input.
func (t *Transformer) Transform(raw RawListing) Result {
	var item rawItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return Result{
			Outcome:    ParseFailure,
			PositionID: recoverID(raw),
			Err:        fmt.Errorf("decode listing: %w", err),
		}
	}

	d := item.MatchedObjectDescriptor
	res := Result{
		PositionID:    item.MatchedObjectID,
		Title:         text(d.PositionTitle),
		LocationCount: len(d.PositionLocation),
	}

	if len(d.PositionLocation) == 0 {
		res.Outcome = Filtered
		res.Reason = ReasonNoLocation
		return res
	}

	matched, ok := t.match(d.PositionLocation)
	if !ok {
		res.Outcome = Filtered
		res.Reason = ReasonLocationMismatch
		return res
	}

	res.MultiLocation = len(d.PositionLocation) > 1
	res.Nationwide = strings.Contains(strings.ToLower(text(d.PositionLocationDisplay)), "various") ||
		len(d.PositionLocation) > nationwideThreshold

	city := matched.CityName
	if city == "" {
		city = t.target
	}
	state := matched.CountrySubDivisionCode
	if state == "" {
		state = t.defaultState
	}

	remuneration := parseRemuneration(d.PositionRemuneration)
	minSalary, maxSalary := salaryBounds(remuneration)

	res.Outcome = Accepted
	res.Listing = Listing{
		PositionID:           item.MatchedObjectID,
		PositionTitle:        res.Title,
		PositionURI:          text(d.PositionURI),
		OrganizationName:     text(d.OrganizationName),
		DepartmentName:       text(d.DepartmentName),
		PositionLocation:     []Location{matched},
		CityName:             city,
		StateCode:            state,
		PositionRemuneration: remuneration,
		MinSalary:            minSalary,
		MaxSalary:            maxSalary,
		PositionStartDate:    normalizeDate(d.PositionStartDate),
		PositionEndDate:      normalizeDate(d.PositionEndDate),
		PublicationStartDate: normalizeDate(d.PublicationStartDate),
		ApplicationCloseDate: normalizeDate(d.ApplicationCloseDate),
		JobSummary:           jobSummary(d.UserArea),
		JobCategory:          jsonOrEmptyArray(d.JobCategory),
		JobGrade:             jsonOrEmptyArray(d.JobGrade),
	}
	return res
}

// match returns the first location whose city or display name contains the target.
func (t *Transformer) match(locs []Location) (Location, bool) {
	if t.needle == "" {
		return Location{}, false
	}
	for _, loc := range locs {
		if strings.Contains(strings.ToLower(loc.CityName), t.needle) ||
			strings.Contains(strings.ToLower(loc.LocationName), t.needle) {
			return loc, true
		}
	}
	return Location{}, false
}

// salaryBounds parses the first remuneration entry. Either bound failing
// leaves both nil.
func salaryBounds(rem []Remuneration) (*int, *int) {
	if len(rem) == 0 {
		return nil, nil
	}
	lo, ok := parseSalary(rem[0].MinimumRange)
	if !ok {
		return nil, nil
	}
	hi, ok := parseSalary(rem[0].MaximumRange)
	if !ok {
		return nil, nil
	}
	return &lo, &hi
}

func parseSalary(v any) (int, bool) {
	switch x := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		if strings.TrimSpace(x) == "" {
			return 0, false
		}
		v = strings.TrimSpace(x)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

// normalizeDate keeps the date part of an ISO timestamp. Anything that is
// not a string holding a valid calendar date becomes nil.
func normalizeDate(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "T "); i >= 0 {
		s = s[:i]
	}
	if _, err := time.Parse(dateLayout, s); err != nil {
		return nil
	}
	return &s
}

func jsonOrEmptyArray(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return emptyJSONArray
	}
	return raw
}

// text coerces a scalar to a string; anything else becomes empty.
func text(v any) string {
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// parseRemuneration decodes the remuneration list entry by entry. A payload
// that is not a list yields no entries; entries that are not objects are skipped.
func parseRemuneration(raw json.RawMessage) []Remuneration {
	out := []Remuneration{}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return out
	}
	for _, e := range entries {
		var fields map[string]any
		if err := json.Unmarshal(e, &fields); err != nil || fields == nil {
			continue
		}
		out = append(out, Remuneration{
			MinimumRange:     fields["MinimumRange"],
			MaximumRange:     fields["MaximumRange"],
			RateIntervalCode: text(fields["RateIntervalCode"]),
			Description:      text(fields["Description"]),
		})
	}
	return out
}

func jobSummary(raw json.RawMessage) string {
	var ua userArea
	if err := json.Unmarshal(raw, &ua); err != nil {
		return ""
	}
	return text(ua.Details.JobSummary)
}

// recoverID pulls the identifier out of a listing whose descriptor failed to decode.
func recoverID(raw RawListing) string {
	var probe struct {
		MatchedObjectID any `json:"MatchedObjectId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if s, ok := probe.MatchedObjectID.(string); ok {
		return s
	}
	return ""
}
