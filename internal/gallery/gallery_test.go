package gallery

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	"birdwatch/internal/database"
)

func rec(id, species string, hasFrame bool) *database.ObservationRecord {
	return &database.ObservationRecord{ID: id, Species: species, HasFrame: hasFrame}
}

func TestParseQueryClamps(t *testing.T) {
	tests := []struct {
		raw      string
		per      int
		page     int
		hasStart bool
	}{
		{"", DefaultPer, 1, false},
		{"per=500&page=0", MaxPer, 1, false},
		{"per=0&page=-3", 1, 1, false},
		{"per=abc&page=xyz", DefaultPer, 1, false},
		{"per=5&page=4&start=2024-05-01", 5, 4, true},
		{"start=yesterday", DefaultPer, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, _ := url.ParseQuery(tt.raw)
			q := ParseQuery(v)
			if q.Per != tt.per || q.Page != tt.page {
				t.Errorf("per=%d page=%d, want per=%d page=%d", q.Per, q.Page, tt.per, tt.page)
			}
			if (q.Filter().Start != nil) != tt.hasStart {
				t.Errorf("start filter set = %v, want %v", q.Filter().Start != nil, tt.hasStart)
			}
		})
	}
}

func TestFilterEndDateIsInclusive(t *testing.T) {
	v, _ := url.ParseQuery("end=2024-05-01&species=robin&q=ignored")
	f := ParseQuery(v).Filter()
	if f.End == nil || !f.End.Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("End = %v, want the following midnight", f.End)
	}
	if f.Species != "robin" || f.Query != "ignored" {
		t.Errorf("unexpected filter %+v", f)
	}
}

func TestBuildGroupsAndRepresentative(t *testing.T) {
	records := []*database.ObservationRecord{
		rec("1", "robin", false),
		rec("2", "Cardinal", true),
		rec("3", "robin", true),
		rec("4", "blue_jay", false),
		rec("5", "robin", true),
	}
	page := Build(records, Query{Page: 1, Per: DefaultPer})

	if page.Total != 5 || page.TotalSpecies != 3 {
		t.Fatalf("Total=%d TotalSpecies=%d", page.Total, page.TotalSpecies)
	}
	want := []string{"blue_jay", "Cardinal", "robin"}
	for i, g := range page.Groups {
		if g.Species != want[i] {
			t.Errorf("group %d = %s, want %s", i, g.Species, want[i])
		}
	}
	robin := page.Groups[2]
	if robin.Count != 3 || robin.RepresentativeID != "3" {
		t.Errorf("robin group: count=%d representative=%q", robin.Count, robin.RepresentativeID)
	}
	if page.Groups[0].Representative != nil {
		t.Error("group without frames has a representative")
	}
}

func TestBuildPagination(t *testing.T) {
	var records []*database.ObservationRecord
	for i := 0; i < 30; i++ {
		records = append(records, rec(fmt.Sprint(i), fmt.Sprintf("species%02d", i), true))
	}

	v, _ := url.ParseQuery("per=12&page=9&q=finch")
	q := ParseQuery(v)
	page := Build(records, q)

	if page.TotalPages != 3 || page.Page != 3 {
		t.Fatalf("TotalPages=%d Page=%d, want 3/3", page.TotalPages, page.Page)
	}
	if len(page.Groups) != 6 {
		t.Errorf("last page holds %d groups, want 6", len(page.Groups))
	}
	if !page.HasPrev || page.HasNext || page.PrevPage != 2 {
		t.Errorf("unexpected navigation %+v", page)
	}
	if page.QueryNoPage != "per=12&q=finch" {
		t.Errorf("QueryNoPage = %q", page.QueryNoPage)
	}
}

func TestBuildEmpty(t *testing.T) {
	page := Build(nil, ParseQuery(url.Values{}))
	if page.TotalPages != 1 || page.Page != 1 || len(page.Groups) != 0 {
		t.Fatalf("unexpected empty page %+v", page)
	}
	if page.HasPrev || page.HasNext {
		t.Error("empty page has navigation")
	}
}
