package calendar

import "iter"

// Page описывает одну страницу элементов ленивой последовательности.
type Page[T any] struct {
	Items    []T // элементы на текущей странице
	Page     int // номер страницы (с 1)
	PageSize int // количество элементов на странице
	HasNext  bool
	HasPrev  bool
}

// PageOf вычитывает из последовательности только нужную страницу.
// page нумеруется с 1. При некорректных значениях используются дефолты.
// Последовательность перезапускаемая, поэтому каждый вызов читает её с начала
// и останавливается на первом элементе следующей страницы.
func PageOf[T any](seq iter.Seq2[T, error], page, pageSize int) (Page[T], error) {
	const defaultPageSize = 10

	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if page <= 0 {
		page = 1
	}

	skip := (page - 1) * pageSize
	res := Page[T]{
		Items:    make([]T, 0, pageSize),
		Page:     page,
		PageSize: pageSize,
		HasPrev:  page > 1,
	}

	i := 0
	for item, err := range seq {
		if err != nil {
			return Page[T]{}, err
		}
		switch {
		case i < skip:
		case len(res.Items) < pageSize:
			res.Items = append(res.Items, item)
		default:
			res.HasNext = true
			return res, nil
		}
		i++
	}
	return res, nil
}
