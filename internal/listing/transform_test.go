package listing

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chicagoListing = `{
  "MatchedObjectId": "TEST-001",
  "MatchedObjectDescriptor": {
    "PositionTitle": "Data Engineer",
    "PositionURI": "https://www.usajobs.gov/job/TEST-001",
    "PositionLocationDisplay": "Chicago, Illinois",
    "PositionLocation": [
      {"LocationName": "Chicago, Illinois", "CityName": "Chicago", "CountryCode": "United States", "CountrySubDivisionCode": "Illinois", "Longitude": -87.6298, "Latitude": 41.8781}
    ],
    "OrganizationName": "Test Agency",
    "DepartmentName": "Test Department",
    "JobCategory": [{"Name": "Information Technology", "Code": "2210"}],
    "JobGrade": [{"Code": "GS"}],
    "PositionRemuneration": [{"MinimumRange": "80000", "MaximumRange": "120000", "RateIntervalCode": "PA", "Description": "Per Year"}],
    "PositionStartDate": "2024-01-01T00:00:00.0000",
    "PositionEndDate": "2024-12-31T23:59:59.9970",
    "PublicationStartDate": "2024-01-01",
    "ApplicationCloseDate": "2024-02-01 12:00:00",
    "UserArea": {"Details": {"JobSummary": "Build data pipelines."}}
  }
}`

const remoteListing = `{
  "MatchedObjectId": "TEST-002",
  "MatchedObjectDescriptor": {
    "PositionTitle": "Remote Analyst",
    "PositionLocationDisplay": "Anywhere in the U.S. (remote job)",
    "PositionLocation": [{"LocationName": "Anywhere in the U.S. (remote job)", "CityName": "Remote"}]
  }
}`

func newTestTransformer() *Transformer {
	return NewTransformer("Chicago", "Illinois")
}

func listingWith(t *testing.T, locations []Location, extra map[string]any) RawListing {
	t.Helper()
	desc := map[string]any{
		"PositionTitle":    "Engineer",
		"PositionLocation": locations,
	}
	for k, v := range extra {
		desc[k] = v
	}
	raw, err := json.Marshal(map[string]any{
		"MatchedObjectId":         "GEN-1",
		"MatchedObjectDescriptor": desc,
	})
	require.NoError(t, err)
	return raw
}

func TestTransformAcceptsTargetLocation(t *testing.T) {
	t.Parallel()

	res := newTestTransformer().Transform(RawListing(chicagoListing))
	require.Equal(t, Accepted, res.Outcome, "err: %v", res.Err)

	l := res.Listing
	assert.Equal(t, "TEST-001", l.PositionID)
	assert.Equal(t, "Data Engineer", l.PositionTitle)
	assert.Equal(t, "Chicago", l.CityName)
	assert.Equal(t, "Illinois", l.StateCode)
	require.Len(t, l.PositionLocation, 1)
	assert.Equal(t, "Chicago", l.PositionLocation[0].CityName)
	require.NotNil(t, l.MinSalary)
	require.NotNil(t, l.MaxSalary)
	assert.Equal(t, 80000, *l.MinSalary)
	assert.Equal(t, 120000, *l.MaxSalary)
	assert.Equal(t, "2024-01-01", *l.PositionStartDate)
	assert.Equal(t, "2024-12-31", *l.PositionEndDate)
	assert.Equal(t, "2024-01-01", *l.PublicationStartDate)
	assert.Equal(t, "2024-02-01", *l.ApplicationCloseDate)
	assert.Equal(t, "Build data pipelines.", l.JobSummary)
	assert.JSONEq(t, `[{"Name": "Information Technology", "Code": "2210"}]`, string(l.JobCategory))
	assert.False(t, res.MultiLocation)
}

func TestTransformFiltersRemote(t *testing.T) {
	t.Parallel()

	res := newTestTransformer().Transform(RawListing(remoteListing))
	assert.Equal(t, Filtered, res.Outcome)
	assert.Equal(t, ReasonLocationMismatch, res.Reason)
	assert.Equal(t, "TEST-002", res.PositionID)
}

func TestTransformFilterCorrectness(t *testing.T) {
	t.Parallel()

	tr := newTestTransformer()
	tests := []struct {
		name      string
		locations []Location
		want      Outcome
		reason    string
		wantCity  string
	}{
		{name: "no locations", locations: nil, want: Filtered, reason: ReasonNoLocation},
		{name: "empty list", locations: []Location{}, want: Filtered, reason: ReasonNoLocation},
		{
			name:      "other cities",
			locations: []Location{{CityName: "Denver", LocationName: "Denver, Colorado"}, {CityName: "Austin"}},
			want:      Filtered,
			reason:    ReasonLocationMismatch,
		},
		{
			name:      "case insensitive city",
			locations: []Location{{CityName: "CHICAGO"}},
			want:      Accepted,
			wantCity:  "CHICAGO",
		},
		{
			name:      "match on location name only",
			locations: []Location{{LocationName: "North Chicago, Illinois"}},
			want:      Accepted,
			wantCity:  "Chicago",
		},
		{
			name: "match later in list",
			locations: []Location{
				{CityName: "Denver"},
				{CityName: "Chicago", CountrySubDivisionCode: "Illinois"},
			},
			want:     Accepted,
			wantCity: "Chicago",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := tr.Transform(listingWith(t, tt.locations, nil))
			require.Equal(t, tt.want, res.Outcome)
			if tt.want == Filtered {
				assert.Equal(t, tt.reason, res.Reason)
				return
			}
			require.Len(t, res.Listing.PositionLocation, 1)
			loc := res.Listing.PositionLocation[0]
			assert.True(t,
				strings.Contains(strings.ToLower(loc.CityName), "chicago") ||
					strings.Contains(strings.ToLower(loc.LocationName), "chicago"),
				"persisted location must be the matched one: %+v", loc)
			assert.Equal(t, tt.wantCity, res.Listing.CityName)
		})
	}
}

func TestTransformStateFallback(t *testing.T) {
	t.Parallel()

	res := newTestTransformer().Transform(listingWith(t, []Location{{CityName: "Chicago"}}, nil))
	require.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, "Illinois", res.Listing.StateCode)
}

func TestTransformSalaryParseSafety(t *testing.T) {
	t.Parallel()

	tr := newTestTransformer()
	loc := []Location{{CityName: "Chicago"}}
	tests := []struct {
		name    string
		rem     any
		wantMin *int
		wantMax *int
	}{
		{name: "absent", rem: nil},
		{name: "empty list", rem: []any{}},
		{name: "non numeric", rem: []any{map[string]any{"MinimumRange": "TBD", "MaximumRange": "120000"}}},
		{name: "missing max", rem: []any{map[string]any{"MinimumRange": "50000"}}},
		{name: "blank strings", rem: []any{map[string]any{"MinimumRange": "", "MaximumRange": " "}}},
		{name: "boolean", rem: []any{map[string]any{"MinimumRange": true, "MaximumRange": false}}},
		{name: "object", rem: []any{map[string]any{"MinimumRange": map[string]any{"v": 1}, "MaximumRange": 2}}},
		{name: "overflow", rem: []any{map[string]any{"MinimumRange": "1e30", "MaximumRange": "2e30"}}},
		{name: "object instead of list", rem: map[string]any{"MinimumRange": "80000", "MaximumRange": "90000"}},
		{name: "string instead of list", rem: "80000-90000"},
		{name: "entry is not an object", rem: []any{"80000", 90000}},
		{
			name:    "numeric rate interval code",
			rem:     []any{map[string]any{"MinimumRange": "80000", "MaximumRange": "90000", "RateIntervalCode": 7}},
			wantMin: intPtr(80000),
			wantMax: intPtr(90000),
		},
		{
			name:    "numbers truncate",
			rem:     []any{map[string]any{"MinimumRange": 55000.99, "MaximumRange": "70000.50"}},
			wantMin: intPtr(55000),
			wantMax: intPtr(70000),
		},
		{
			name: "first entry only",
			rem: []any{
				map[string]any{"MinimumRange": "10", "MaximumRange": "20"},
				map[string]any{"MinimumRange": "30", "MaximumRange": "40"},
			},
			wantMin: intPtr(10),
			wantMax: intPtr(20),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			extra := map[string]any{}
			if tt.rem != nil {
				extra["PositionRemuneration"] = tt.rem
			}
			var res Result
			require.NotPanics(t, func() { res = tr.Transform(listingWith(t, loc, extra)) })
			require.Equal(t, Accepted, res.Outcome, "err: %v", res.Err)
			assert.Equal(t, tt.wantMin, res.Listing.MinSalary)
			assert.Equal(t, tt.wantMax, res.Listing.MaxSalary)
		})
	}
}

func TestTransformDateTruncation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want *string
	}{
		{name: "iso timestamp", in: "2024-03-15T08:30:00.0000", want: strPtr("2024-03-15")},
		{name: "space separated", in: "2024-03-15 08:30:00", want: strPtr("2024-03-15")},
		{name: "date only", in: "2024-03-15", want: strPtr("2024-03-15")},
		{name: "null", in: nil, want: nil},
		{name: "garbage", in: "next tuesday", want: nil},
		{name: "impossible date", in: "2024-02-30T00:00:00", want: nil},
		{name: "number", in: 20240315, want: nil},
		{name: "empty", in: "", want: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, normalizeDate(tt.in))
		})
	}
}

func TestTransformAllDatesNullKeepsRecord(t *testing.T) {
	t.Parallel()

	res := newTestTransformer().Transform(listingWith(t, []Location{{CityName: "Chicago"}}, map[string]any{
		"PositionStartDate":    nil,
		"ApplicationCloseDate": nil,
	}))
	require.Equal(t, Accepted, res.Outcome)
	assert.Nil(t, res.Listing.PositionStartDate)
	assert.Nil(t, res.Listing.PositionEndDate)
	assert.Nil(t, res.Listing.PublicationStartDate)
	assert.Nil(t, res.Listing.ApplicationCloseDate)
	assert.JSONEq(t, `[]`, string(res.Listing.JobCategory))
	assert.JSONEq(t, `[]`, string(res.Listing.JobGrade))
}

func TestTransformMultiLocationFlags(t *testing.T) {
	t.Parallel()

	tr := newTestTransformer()

	several := []Location{{CityName: "Chicago"}, {CityName: "Denver"}}
	res := tr.Transform(listingWith(t, several, map[string]any{"PositionLocationDisplay": "Multiple Locations"}))
	require.Equal(t, Accepted, res.Outcome)
	assert.True(t, res.MultiLocation)
	assert.False(t, res.Nationwide)
	assert.Equal(t, 2, res.LocationCount)
	assert.Len(t, res.Listing.PositionLocation, 1)

	various := tr.Transform(listingWith(t, several, map[string]any{"PositionLocationDisplay": "Various Locations"}))
	assert.True(t, various.Nationwide)

	many := make([]Location, 0, 12)
	for i := 0; i < 11; i++ {
		many = append(many, Location{CityName: fmt.Sprintf("City %d", i)})
	}
	many = append(many, Location{CityName: "Chicago"})
	wide := tr.Transform(listingWith(t, many, nil))
	require.Equal(t, Accepted, wide.Outcome)
	assert.True(t, wide.Nationwide)
}

func TestTransformParseFailure(t *testing.T) {
	t.Parallel()

	tr := newTestTransformer()

	tests := []struct {
		name   string
		raw    string
		wantID string
	}{
		{name: "invalid json", raw: `{"MatchedObjectId": "BAD-1",`, wantID: ""},
		{
			name:   "wrong type for locations",
			raw:    `{"MatchedObjectId": "BAD-2", "MatchedObjectDescriptor": {"PositionLocation": "Chicago"}}`,
			wantID: "BAD-2",
		},
		{
			name:   "descriptor is a string",
			raw:    `{"MatchedObjectId": "BAD-3", "MatchedObjectDescriptor": "oops"}`,
			wantID: "BAD-3",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := tr.Transform(RawListing(tt.raw))
			assert.Equal(t, ParseFailure, res.Outcome)
			assert.Error(t, res.Err)
			assert.Equal(t, tt.wantID, res.PositionID)
		})
	}
}

func TestTransformDegradesMalformedScalars(t *testing.T) {
	t.Parallel()

	tr := newTestTransformer()

	accepted := tr.Transform(listingWith(t, []Location{{CityName: "Chicago"}}, map[string]any{
		"PositionTitle":        12345,
		"OrganizationName":     []any{"not", "a", "string"},
		"DepartmentName":       true,
		"PositionRemuneration": []any{map[string]any{"MinimumRange": "1", "MaximumRange": "2", "RateIntervalCode": 7}},
		"UserArea":             "oops",
	}))
	require.Equal(t, Accepted, accepted.Outcome, "err: %v", accepted.Err)
	l := accepted.Listing
	assert.Equal(t, "12345", l.PositionTitle)
	assert.Empty(t, l.OrganizationName)
	assert.Equal(t, "true", l.DepartmentName)
	assert.Empty(t, l.JobSummary)
	require.Len(t, l.PositionRemuneration, 1)
	assert.Equal(t, "7", l.PositionRemuneration[0].RateIntervalCode)

	filtered := tr.Transform(listingWith(t, []Location{{CityName: "Remote"}}, map[string]any{
		"PositionTitle": 42,
	}))
	assert.Equal(t, Filtered, filtered.Outcome)
	assert.Equal(t, "42", filtered.Title)
}

func TestTransformMissingIDStillAccepted(t *testing.T) {
	t.Parallel()

	raw := `{"MatchedObjectDescriptor": {"PositionLocation": [{"CityName": "Chicago"}]}}`
	res := newTestTransformer().Transform(RawListing(raw))
	require.Equal(t, Accepted, res.Outcome)
	assert.Empty(t, res.Listing.PositionID)
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "filtered", Filtered.String())
	assert.Equal(t, "parse_failure", ParseFailure.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
