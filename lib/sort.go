package mathom

import (
	"fmt"
	"sort"
)

// SortStrategy implements sorting of FileRecords
type SortStrategy interface {
	EncodeParam() string
	Sort(recs FileRecords)
}

// ParseSortParam translates a sort param such as "+name" or "-created"
// into its strategy. An empty value keeps the order.
func ParseSortParam(value string) (SortStrategy, error) {
	if value == "" {
		return NoOpStrategy(), nil
	}
	if len(value) == 1 {
		return nil, ErrInvalidParam
	}

	var (
		order     = value[:1]
		criterion = value[1:]
		ascending bool
	)

	switch order {
	case OrderAscending:
		ascending = true
	case OrderDescending:
		ascending = false
	default:
		return nil, ErrInvalidParam
	}

	switch criterion {
	case OrderName:
		return ByNameStrategy(ascending), nil
	case OrderCreated:
		return ByCreatedStrategy(ascending), nil
	case OrderSize:
		return BySizeStrategy(ascending), nil
	}
	return nil, ErrInvalidParam
}

// noOpStrategy doesn't change the order of the records.
type noOpStrategy struct{}

// NoOpStrategy returns a SortStrategy which keeps the order.
func NoOpStrategy() SortStrategy {
	return noOpStrategy{}
}

// Sort is a convenience method.
func (s noOpStrategy) Sort(recs FileRecords) {}

// EncodeParam returns the cannonical string used for the strategy when passed
// as a param.
func (s noOpStrategy) EncodeParam() string {
	return ""
}

// byName orders FileRecords by their file name.
type byName struct {
	baseSortStrategy
}

// ByNameStrategy returns a SortStrategy ordering by file name.
func ByNameStrategy(ascending bool) SortStrategy {
	return byName{
		baseSortStrategy: baseSortStrategy{
			isAscending: ascending,
		},
	}
}

// EncodeParam returns the cannonical string used for the strategy when passed
// as a param.
func (s byName) EncodeParam() string {
	order := OrderDescending

	if s.isAscending {
		order = OrderAscending
	}

	return fmt.Sprintf("%s%s", order, OrderName)
}

// Less reports whether the element with index i should sort before the element
// with index j.
func (s byName) Less(i, j int) bool {
	var (
		iName = s.FileRecords[i].Name
		jName = s.FileRecords[j].Name
	)

	if s.isAscending {
		return iName < jName
	}
	return iName >= jName
}

// Sort is a convenience method.
func (s byName) Sort(recs FileRecords) {
	s.FileRecords = recs
	sort.Sort(s)
}

// byCreated orders FileRecords by their creation date.
type byCreated struct {
	baseSortStrategy
}

// ByCreatedStrategy returns a SortStrategy ordering by a record's creation
// time.
func ByCreatedStrategy(ascending bool) SortStrategy {
	return byCreated{
		baseSortStrategy: baseSortStrategy{
			isAscending: ascending,
		},
	}
}

// EncodeParam returns the cannonical string used for the strategy when passed
// as a param.
func (s byCreated) EncodeParam() string {
	order := OrderDescending

	if s.isAscending {
		order = OrderAscending
	}

	return fmt.Sprintf("%s%s", order, OrderCreated)
}

// Less reports whether the element with index i should sort before the element
// with index j.
func (s byCreated) Less(i, j int) bool {
	var (
		iCreated = s.FileRecords[i].CreatedAt
		jCreated = s.FileRecords[j].CreatedAt
	)

	if s.isAscending {
		return iCreated.Before(jCreated)
	}
	return iCreated.After(jCreated)
}

// Sort is a convenience method.
func (s byCreated) Sort(recs FileRecords) {
	s.FileRecords = recs
	sort.Sort(s)
}

// bySize orders FileRecords by their payload size.
type bySize struct {
	baseSortStrategy
}

// BySizeStrategy returns a SortStrategy ordering by payload size.
func BySizeStrategy(ascending bool) SortStrategy {
	return bySize{
		baseSortStrategy: baseSortStrategy{
			isAscending: ascending,
		},
	}
}

// EncodeParam returns the cannonical string used for the strategy when passed
// as a param.
func (s bySize) EncodeParam() string {
	order := OrderDescending

	if s.isAscending {
		order = OrderAscending
	}

	return fmt.Sprintf("%s%s", order, OrderSize)
}

// Less reports whether the element with index i should sort before the element
// with index j.
func (s bySize) Less(i, j int) bool {
	var (
		iSize = s.FileRecords[i].Size
		jSize = s.FileRecords[j].Size
	)

	if s.isAscending {
		return iSize < jSize
	}
	return iSize >= jSize
}

// Sort is a convenience method.
func (s bySize) Sort(recs FileRecords) {
	s.FileRecords = recs
	sort.Sort(s)
}

type baseSortStrategy struct {
	FileRecords
	isAscending bool
}

func (s baseSortStrategy) Len() int {
	return len(s.FileRecords)
}

func (s baseSortStrategy) Swap(i, j int) {
	s.FileRecords[i], s.FileRecords[j] = s.FileRecords[j], s.FileRecords[i]
}
