package query

import (
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/edgeflare/restbuddy/pkg/model"
)

// Query-string parameters read by ParseOrder and ParsePagination.
const (
	OrderParam   = "order"
	PerPageParam = "perPage"
	ItemsParam   = "items" // older name for perPage
	PageParam    = "page"
)

// ParseOrder reads an order value such as "age" or "-age". A leading '-' sorts
// descending. Fields e does not have are ignored and nil is returned.
func ParseOrder(raw string, e *model.Entity) *Order {
	raw = strings.TrimSpace(raw)
	dir := Asc
	if strings.HasPrefix(raw, "-") {
		raw = raw[1:]
		dir = Desc
	}
	if raw == "" || !e.HasField(raw) {
		return nil
	}
	return &Order{Field: raw, Direction: dir}
}

// Pagination bounds page sizes.
type Pagination struct {
	DefaultPageSize int
	MaxPageSize     int
}

// ParsePagination derives limit and offset from perPage (or items) and page. Without a
// positive perPage no pagination is applied and both results are nil. The limit is
// capped at MaxPageSize; a cap of zero falls back to DefaultPageSize. Offset is
// page*limit, and nil for a missing or non-positive page.
func ParsePagination(values url.Values, p Pagination) (limit, offset *int) {
	raw := values.Get(PerPageParam)
	if raw == "" {
		raw = values.Get(ItemsParam)
	}
	perPage := positiveInt(raw)
	if perPage == 0 {
		return nil, nil
	}

	l := min(perPage, p.MaxPageSize)
	if l <= 0 {
		l = p.DefaultPageSize
	}
	if l <= 0 {
		return nil, nil
	}
	limit = &l

	if page := positiveInt(values.Get(PageParam)); page > 0 {
		o := math.MaxInt
		if page <= math.MaxInt/l {
			o = page * l
		}
		offset = &o
	}
	return limit, offset
}

func positiveInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
