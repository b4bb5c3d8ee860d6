package main

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/maleadt/manyjulias/internal/planner"
	"github.com/maleadt/manyjulias/internal/store"
)

func TestCheckPacks(t *testing.T) {
	plan := []planner.Pack{
		{Name: "julia-a", Commits: []string{"c1", "c2", "c3"}},
		{Name: "julia-b", Commits: []string{"c4", "c5"}},
	}
	listing := &store.Listing{
		Packed: map[string][]string{
			"julia-a":  {"c1", "c3"},       // partial pack: fine
			"julia-b":  {"c4", "c5", "c1"}, // c1 belongs to julia-a
			"julia-zz": {"c9"},             // not in the plan at all
		},
	}
	got := checkPacks(listing, plan)
	sort.Strings(got)
	want := []string{"julia-b", "julia-zz"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("checkPacks: diff (-want +got):\n%s", diff)
	}
}

func TestCheckPacksAllValid(t *testing.T) {
	plan := []planner.Pack{{Name: "julia-a", Commits: []string{"c1"}}}
	listing := &store.Listing{Packed: map[string][]string{"julia-a": {"c1"}}}
	if got := checkPacks(listing, plan); len(got) != 0 {
		t.Errorf("checkPacks = %v, want none", got)
	}
}
