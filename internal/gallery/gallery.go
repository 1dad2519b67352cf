// Package gallery groups observations by species for the gallery view.
package gallery

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"birdwatch/internal/database"
)

const (
	DefaultPer = 12
	MaxPer     = 100

	dateLayout = "2006-01-02"
)

// Query holds the gallery request parameters.
type Query struct {
	Species string
	Q       string
	Start   string
	End     string
	Page    int
	Per     int

	startDate *time.Time
	endDate   *time.Time
	rawPer    string
}

// ParseQuery reads gallery parameters. Malformed numbers fall back to their
// defaults and malformed dates are ignored.
func ParseQuery(v url.Values) Query {
	q := Query{
		Species: strings.TrimSpace(v.Get("species")),
		Q:       strings.TrimSpace(v.Get("q")),
		Start:   v.Get("start"),
		End:     v.Get("end"),
		Per:     DefaultPer,
		Page:    1,
		rawPer:  v.Get("per"),
	}

	if n, err := strconv.Atoi(q.rawPer); err == nil {
		q.Per = n
	}
	q.Per = max(1, min(q.Per, MaxPer))

	if n, err := strconv.Atoi(v.Get("page")); err == nil {
		q.Page = n
	}
	q.Page = max(1, q.Page)

	if d, err := time.Parse(dateLayout, q.Start); err == nil {
		q.startDate = &d
	}
	if d, err := time.Parse(dateLayout, q.End); err == nil {
		// End dates are inclusive: everything before the next midnight.
		next := d.AddDate(0, 0, 1)
		q.endDate = &next
	}
	return q
}

// Filter returns the database filter selecting the observations the gallery
// groups.
func (q Query) Filter() database.ObservationFilter {
	return database.ObservationFilter{
		Species: q.Species,
		Query:   q.Q,
		Start:   q.startDate,
		End:     q.endDate,
	}
}

// preserved encodes the non-empty filter parameters, without page, so page
// links keep the current filters.
func (q Query) preserved() string {
	v := url.Values{}
	for _, kv := range [][2]string{
		{"species", q.Species},
		{"q", q.Q},
		{"start", q.Start},
		{"end", q.End},
		{"per", q.rawPer},
	} {
		if kv[1] != "" {
			v.Set(kv[0], kv[1])
		}
	}
	return v.Encode()
}

// SpeciesGroup is every matching observation of one species.
type SpeciesGroup struct {
	Species          string                        `json:"species"`
	Count            int                           `json:"count"`
	RepresentativeID string                        `json:"representative_id,omitempty"`
	Representative   *database.ObservationRecord   `json:"-"`
	Observations     []*database.ObservationRecord `json:"-"`
}

// Page is one page of species groups.
type Page struct {
	Groups       []SpeciesGroup `json:"groups"`
	Total        int            `json:"total"`
	TotalSpecies int            `json:"total_species"`
	Page         int            `json:"page"`
	Per          int            `json:"per"`
	TotalPages   int            `json:"total_pages"`
	HasPrev      bool           `json:"has_prev"`
	HasNext      bool           `json:"has_next"`
	PrevPage     int            `json:"prev_page"`
	NextPage     int            `json:"next_page"`
	QueryNoPage  string         `json:"query_no_page"`
}

// Build groups records (newest first) by species and paginates the groups
// sorted by lower-cased species name. The representative of a group is its
// newest observation that has a frame.
func Build(records []*database.ObservationRecord, q Query) Page {
	index := make(map[string]int)
	groups := []SpeciesGroup{}
	for _, r := range records {
		i, ok := index[r.Species]
		if !ok {
			i = len(groups)
			index[r.Species] = i
			groups = append(groups, SpeciesGroup{Species: r.Species})
		}
		g := &groups[i]
		g.Observations = append(g.Observations, r)
		g.Count++
		if g.Representative == nil && r.HasFrame {
			g.Representative = r
			g.RepresentativeID = r.ID
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return strings.ToLower(groups[i].Species) < strings.ToLower(groups[j].Species)
	})

	per := max(1, min(q.Per, MaxPer))
	totalPages := 1
	if len(groups) > 0 {
		totalPages = (len(groups) + per - 1) / per
	}
	page := max(1, min(q.Page, totalPages))

	start := min((page-1)*per, len(groups))
	end := min(start+per, len(groups))

	return Page{
		Groups:       groups[start:end],
		Total:        len(records),
		TotalSpecies: len(groups),
		Page:         page,
		Per:          per,
		TotalPages:   totalPages,
		HasPrev:      page > 1,
		HasNext:      page < totalPages,
		PrevPage:     page - 1,
		NextPage:     page + 1,
		QueryNoPage:  q.preserved(),
	}
}
