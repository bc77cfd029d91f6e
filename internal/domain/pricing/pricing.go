package pricing

import "time"

type Category string

const (
	CategoryNone    Category = "NONE"
	CategorySenior  Category = "SENIOR"
	CategoryVeteran Category = "VETERAN"
)

const seniorAge = 65

// Table — тарифные константы из конфига, в копейках/центах.
type Table struct {
	StandardCents int64
	DiscountCents int64
}

// Quote считает цену членства на год по дате рождения и флагу ветерана.
// Приоритет: ветеран → скидка, иначе 65+ на 1 января года → скидка, иначе полная.
func (t Table) Quote(dob time.Time, veteranDisabled bool, year int) (int64, Category) {
	if veteranDisabled {
		return t.DiscountCents, CategoryVeteran
	}
	ref := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	if ageOn(dob, ref) >= seniorAge {
		return t.DiscountCents, CategorySenior
	}
	return t.StandardCents, CategoryNone
}

// ageOn — возраст по календарю: год минус год, и минус один,
// если день рождения в опорном году ещё не наступил.
func ageOn(dob, ref time.Time) int {
	age := ref.Year() - dob.Year()
	if ref.Month() < dob.Month() ||
		(ref.Month() == dob.Month() && ref.Day() < dob.Day()) {
		age--
	}
	return age
}
