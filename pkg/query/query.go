// Package query turns listing filters into an ordered list of predicates
// understood by the metadata store.
package query

import (
	"strings"

	"storeit/pkg/domain"
)

// Predicate is one clause of a listing query. The set of implementations is
// closed; stores switch over the concrete types.
type Predicate interface {
	predicate()
}

// OwnerOrShared matches files owned by OwnerID or shared with Email.
type OwnerOrShared struct {
	OwnerID string
	Email   string
}

// Owner matches files owned by OwnerID only.
type Owner struct {
	OwnerID string
}

// CategoryIn matches files whose category is one of Categories.
type CategoryIn struct {
	Categories []domain.Category
}

// NameContains matches files whose display name contains Text (case-insensitive).
type NameContains struct {
	Text string
}

// Limit caps the number of returned rows.
type Limit struct {
	N int
}

// OrderBy sorts the result on Field.
type OrderBy struct {
	Field SortField
	Desc  bool
}

func (OwnerOrShared) predicate() {}
func (Owner) predicate()         {}
func (CategoryIn) predicate()    {}
func (NameContains) predicate()  {}
func (Limit) predicate()         {}
func (OrderBy) predicate()       {}

// SortField is a sortable file attribute.
type SortField string

const (
	SortUpdatedAt SortField = "updatedAt"
	SortCreatedAt SortField = "createdAt"
	SortName      SortField = "name"
	SortSize      SortField = "size"
)

// DefaultSort orders by modification time, newest first.
const DefaultSort = "updatedAt-desc"

// Params are the user-facing listing filters.
type Params struct {
	Types      []domain.Category
	SearchText string
	Sort       string
	// Limit caps the result when positive.
	Limit int
}

// Build produces the predicate list for params on behalf of user. The output
// order is fixed: ownership/sharing, category, name, limit, order.
func Build(params Params, user domain.User) []Predicate {
	preds := []Predicate{OwnerOrShared{OwnerID: user.ID, Email: user.Email}}
	if len(params.Types) > 0 {
		categories := make([]domain.Category, len(params.Types))
		copy(categories, params.Types)
		preds = append(preds, CategoryIn{Categories: categories})
	}
	if params.SearchText != "" {
		preds = append(preds, NameContains{Text: params.SearchText})
	}
	if params.Limit > 0 {
		preds = append(preds, Limit{N: params.Limit})
	}
	field, desc := ParseSort(params.Sort)
	preds = append(preds, OrderBy{Field: field, Desc: desc})
	return preds
}

// ParseSort splits "field-direction". Direction "asc" sorts ascending; any
// other direction sorts descending. Unknown or empty fields fall back to the
// modification time.
func ParseSort(sort string) (SortField, bool) {
	sort = strings.TrimSpace(sort)
	if sort == "" {
		sort = DefaultSort
	}
	field, direction := sort, ""
	if i := strings.LastIndex(sort, "-"); i >= 0 {
		field, direction = sort[:i], sort[i+1:]
	}
	return parseSortField(field), direction != "asc"
}

func parseSortField(field string) SortField {
	switch strings.TrimPrefix(strings.TrimSpace(field), "$") {
	case "createdAt":
		return SortCreatedAt
	case "name":
		return SortName
	case "size":
		return SortSize
	default:
		return SortUpdatedAt
	}
}

// ParseTypes parses a comma separated category list, skipping unknown names.
func ParseTypes(raw string) []domain.Category {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []domain.Category
	seen := make(map[domain.Category]struct{})
	for _, part := range strings.Split(raw, ",") {
		c, ok := domain.ParseCategory(part)
		if !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
