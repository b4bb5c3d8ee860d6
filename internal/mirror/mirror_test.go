package mirror

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/maleadt/manyjulias"
)

func TestBranchName(t *testing.T) {
	points := map[manyjulias.Version]string{
		{Major: 1, Minor: 6}:  "aaaa",
		{Major: 1, Minor: 10}: "bbbb",
		{Major: 1, Minor: 11}: "cccc",
	}
	if got, want := BranchName(manyjulias.Version{Major: 1, Minor: 11}, points), "master"; got != want {
		t.Errorf("BranchName(1.11) = %q, want %q", got, want)
	}
	if got, want := BranchName(manyjulias.Version{Major: 1, Minor: 10}, points), "release-1.10"; got != want {
		t.Errorf("BranchName(1.10) = %q, want %q", got, want)
	}
}

func TestSortedVersions(t *testing.T) {
	points := map[manyjulias.Version]string{
		{Major: 1, Minor: 10}: "a",
		{Major: 1, Minor: 6}:  "b",
		{Major: 2, Minor: 0}:  "c",
		{Major: 1, Minor: 9}:  "d",
	}
	got := SortedVersions(points)
	want := []manyjulias.Version{
		{Major: 1, Minor: 6},
		{Major: 1, Minor: 9},
		{Major: 1, Minor: 10},
		{Major: 2, Minor: 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SortedVersions: diff (-want +got):\n%s", diff)
	}
}

func TestParseBlameLine1(t *testing.T) {
	for _, tt := range []struct {
		name    string
		out     string
		want    string
		wantErr bool
	}{
		{
			name: "plain",
			out:  "8ac54bd26d4c25ebb0971ba1a9b992d4a9e1b8e1 (Some One 2024-01-15 12:00:00 +0100 1) 1.12.0-DEV",
			want: "8ac54bd26d4c25ebb0971ba1a9b992d4a9e1b8e1",
		},
		{
			name: "boundary",
			out:  "^7fe2e0ae06531a6e4b16526af78775ae0a82f2d (Some One 2019-08-20 12:00:00 +0200 1) 1.3.0",
			want: "7fe2e0ae06531a6e4b16526af78775ae0a82f2d",
		},
		{
			name:    "garbage",
			out:     "fatal",
			wantErr: true,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBlameLine1(tt.out)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseBlameLine1(%q) = %q, want error", tt.out, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("parseBlameLine1(%q) = %q, want %q", tt.out, got, tt.want)
			}
		})
	}
}

func TestRevisionUnknownError(t *testing.T) {
	err := &RevisionUnknownError{Rev: "deadbeef"}
	if got, want := err.Error(), "unknown revision deadbeef"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
