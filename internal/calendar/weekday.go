package calendar

import "time"

// FirstDayOfWeek: день, с которого начинается нумерация дней недели
// в расписаниях провайдеров.
const FirstDayOfWeek = time.Sunday

// Weekday: канонический номер дня недели (0..6), отсчитанный от FirstDayOfWeek.
type Weekday int

// ToCanonicalWeekday переводит дату в канонический номер дня недели.
// Любое сопоставление даты с расписанием обязано идти через эту функцию.
func ToCanonicalWeekday(t time.Time) Weekday {
	return Weekday((int(t.Weekday()) - int(FirstDayOfWeek) + 7) % 7)
}

// Valid сообщает, лежит ли номер в диапазоне 0..6.
func (w Weekday) Valid() bool {
	return w >= 0 && w <= 6
}

// TimeWeekday: обратное преобразование в time.Weekday.
func (w Weekday) TimeWeekday() time.Weekday {
	return time.Weekday((int(w) + int(FirstDayOfWeek)) % 7)
}

func (w Weekday) String() string {
	if !w.Valid() {
		return "invalid weekday"
	}
	return w.TimeWeekday().String()
}
