package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/maleadt/manyjulias"
)

func v(major, minor int) manyjulias.Version {
	return manyjulias.Version{Major: major, Minor: minor}
}

func TestParseVersionSpecs(t *testing.T) {
	known := []manyjulias.Version{v(1, 6), v(1, 7), v(1, 8), v(1, 9), v(1, 10)}
	for _, tt := range []struct {
		name    string
		specs   []string
		want    []manyjulias.Version
		wantErr bool
	}{
		{
			name:  "default-newest",
			specs: nil,
			want:  []manyjulias.Version{v(1, 10)},
		},
		{
			name:  "exact",
			specs: []string{"1.8"},
			want:  []manyjulias.Version{v(1, 8)},
		},
		{
			name:  "open-range",
			specs: []string{"1.8+"},
			want:  []manyjulias.Version{v(1, 8), v(1, 9), v(1, 10)},
		},
		{
			name:  "closed-range",
			specs: []string{"1.7-1.9"},
			want:  []manyjulias.Version{v(1, 7), v(1, 8), v(1, 9)},
		},
		{
			name:  "deduplicated",
			specs: []string{"1.8", "1.8+"},
			want:  []manyjulias.Version{v(1, 8), v(1, 9), v(1, 10)},
		},
		{
			name:    "unknown",
			specs:   []string{"2.0"},
			wantErr: true,
		},
		{
			name:    "empty-range",
			specs:   []string{"1.9-1.7"},
			wantErr: true,
		},
		{
			name:    "malformed",
			specs:   []string{"banana"},
			wantErr: true,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVersionSpecs(tt.specs, known)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseVersionSpecs(%v) = %v, want error", tt.specs, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseVersionSpecs(%v): diff (-want +got):\n%s", tt.specs, diff)
			}
		})
	}
}
