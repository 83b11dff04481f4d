// Package distribution делит чистую прибыль заказа между мастером, куратором и компанией.
package distribution

import (
	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/model"
)

// Places задаёт точность денежных сумм.
const Places = 2

var hundred = decimal.NewFromInt(100)

// Split содержит четыре доли распределения.
type Split struct {
	Net       decimal.Decimal
	Immediate decimal.Decimal
	Deferred  decimal.Decimal
	Curator   decimal.Decimal
	Company   decimal.Decimal
}

// Total возвращает сумму всех долей.
func (s Split) Total() decimal.Decimal {
	return s.Immediate.Add(s.Deferred).Add(s.Curator).Add(s.Company)
}

// Compute делит max(net, 0) по процентам политики. Доли мастера и куратора округляются
// банковским округлением до копеек, остаток от округления забирает казна, поэтому
// сумма долей всегда равна распределяемой сумме.
func Compute(net decimal.Decimal, p model.ProfitPolicy) Split {
	n := decimal.Max(net, decimal.Zero).Round(Places)
	if !n.IsPositive() {
		return Split{Net: decimal.Zero, Immediate: decimal.Zero, Deferred: decimal.Zero, Curator: decimal.Zero, Company: decimal.Zero}
	}

	share := func(percent int) decimal.Decimal {
		return n.Mul(decimal.NewFromInt(int64(percent))).Div(hundred).RoundBank(Places)
	}

	s := Split{
		Net:       n,
		Immediate: share(p.MasterPaid),
		Deferred:  share(p.MasterBalance),
		Curator:   share(p.Curator),
	}
	s.Company = n.Sub(s.Immediate).Sub(s.Deferred).Sub(s.Curator)

	// При нулевой доле компании округление вверх может дать перерасход в копейку.
	for _, part := range []*decimal.Decimal{&s.Curator, &s.Deferred, &s.Immediate} {
		if !s.Company.IsNegative() {
			break
		}
		take := decimal.Min(*part, s.Company.Neg())
		*part = part.Sub(take)
		s.Company = s.Company.Add(take)
	}
	return s
}
