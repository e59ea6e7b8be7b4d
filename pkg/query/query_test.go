package query

import (
	"reflect"
	"testing"

	"storeit/pkg/domain"
)

var testUser = domain.User{ID: "u1", Email: "owner@example.com"}

func TestBuildFixedOrder(t *testing.T) {
	params := Params{
		Types:      []domain.Category{domain.CategoryImage, domain.CategoryVideo},
		SearchText: "trip",
		Sort:       "name-asc",
		Limit:      10,
	}
	want := []Predicate{
		OwnerOrShared{OwnerID: "u1", Email: "owner@example.com"},
		CategoryIn{Categories: []domain.Category{domain.CategoryImage, domain.CategoryVideo}},
		NameContains{Text: "trip"},
		Limit{N: 10},
		OrderBy{Field: SortName, Desc: false},
	}
	for i := 0; i < 3; i++ {
		got := Build(params, testUser)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("run %d: Build() = %#v, want %#v", i, got, want)
		}
	}
}

func TestBuildMinimal(t *testing.T) {
	got := Build(Params{}, testUser)
	want := []Predicate{
		OwnerOrShared{OwnerID: "u1", Email: "owner@example.com"},
		OrderBy{Field: SortUpdatedAt, Desc: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Build() = %#v, want %#v", got, want)
	}
}

func TestBuildDoesNotAliasTypes(t *testing.T) {
	types := []domain.Category{domain.CategoryAudio}
	preds := Build(Params{Types: types}, testUser)
	types[0] = domain.CategoryOther
	in, ok := preds[1].(CategoryIn)
	if !ok || in.Categories[0] != domain.CategoryAudio {
		t.Fatalf("category predicate aliased caller slice: %#v", preds[1])
	}
}

func TestParseSort(t *testing.T) {
	cases := []struct {
		in    string
		field SortField
		desc  bool
	}{
		{"", SortUpdatedAt, true},
		{"$createdAt-desc", SortCreatedAt, true},
		{"$createdAt-asc", SortCreatedAt, false},
		{"name-asc", SortName, false},
		{"size-desc", SortSize, true},
		{"size-sideways", SortSize, true},
		{"size", SortSize, true},
		{"bogus-asc", SortUpdatedAt, false},
	}
	for _, tc := range cases {
		field, desc := ParseSort(tc.in)
		if field != tc.field || desc != tc.desc {
			t.Fatalf("ParseSort(%q) = (%s, %v), want (%s, %v)", tc.in, field, desc, tc.field, tc.desc)
		}
	}
}

func TestParseTypes(t *testing.T) {
	got := ParseTypes("image, video,unknown,image")
	want := []domain.Category{domain.CategoryImage, domain.CategoryVideo}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseTypes() = %v, want %v", got, want)
	}
	if ParseTypes("  ") != nil {
		t.Fatalf("expected nil for empty input")
	}
}
