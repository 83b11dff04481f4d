package distribution

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/fieldops/dispatch/internal/model"
)

func TestCompute(t *testing.T) {
	global := model.ProfitPolicy{MasterPaid: 30, MasterBalance: 30, Curator: 5, Company: 35}
	override := model.ProfitPolicy{MasterPaid: 40, MasterBalance: 30, Curator: 10, Company: 20}

	tests := []struct {
		name                                  string
		net                                   string
		policy                                model.ProfitPolicy
		immediate, deferred, curator, company string
	}{
		{name: "happy path", net: "8500", policy: global, immediate: "2550", deferred: "2550", curator: "425", company: "2975"},
		{name: "override", net: "8500", policy: override, immediate: "3400", deferred: "2550", curator: "850", company: "1700"},
		{name: "negative net", net: "-300", policy: global, immediate: "0", deferred: "0", curator: "0", company: "0"},
		{name: "zero net", net: "0", policy: global, immediate: "0", deferred: "0", curator: "0", company: "0"},
		// 0.05 * 30% = 0.015 -> 0.02 (banker's), 0.05 * 5% = 0.0025 -> 0.00
		{name: "residual to treasury", net: "0.05", policy: global, immediate: "0.02", deferred: "0.02", curator: "0", company: "0.01"},
		{name: "odd cents", net: "100.01", policy: global, immediate: "30", deferred: "30", curator: "5", company: "35.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Compute(decimal.RequireFromString(tt.net), tt.policy)

			assert.True(t, s.Immediate.Equal(decimal.RequireFromString(tt.immediate)), "immediate = %s", s.Immediate)
			assert.True(t, s.Deferred.Equal(decimal.RequireFromString(tt.deferred)), "deferred = %s", s.Deferred)
			assert.True(t, s.Curator.Equal(decimal.RequireFromString(tt.curator)), "curator = %s", s.Curator)
			assert.True(t, s.Company.Equal(decimal.RequireFromString(tt.company)), "company = %s", s.Company)
			assert.True(t, s.Total().Equal(s.Net), "total %s != net %s", s.Total(), s.Net)
		})
	}
}

func TestComputeSumsExactly(t *testing.T) {
	policies := []model.ProfitPolicy{
		{MasterPaid: 33, MasterBalance: 33, Curator: 1, Company: 33},
		{MasterPaid: 17, MasterBalance: 29, Curator: 13, Company: 41},
		{MasterPaid: 0, MasterBalance: 0, Curator: 0, Company: 100},
		{MasterPaid: 50, MasterBalance: 25, Curator: 25, Company: 0},
	}
	for _, p := range policies {
		for cents := int64(1); cents < 2000; cents += 37 {
			net := decimal.New(cents, -2)
			s := Compute(net, p)
			assert.True(t, s.Total().Equal(net), "policy %+v net %s", p, net)
			assert.False(t, s.Company.IsNegative())
		}
	}
}
