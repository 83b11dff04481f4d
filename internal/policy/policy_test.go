package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/model"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       model.ProfitPolicy
		wantErr bool
	}{
		{name: "default", p: Default},
		{name: "override", p: model.ProfitPolicy{MasterPaid: 40, MasterBalance: 30, Curator: 10, Company: 20}},
		{name: "all to company", p: model.ProfitPolicy{Company: 100}},
		{name: "sum 99", p: model.ProfitPolicy{MasterPaid: 30, MasterBalance: 30, Curator: 4, Company: 35}, wantErr: true},
		{name: "negative", p: model.ProfitPolicy{MasterPaid: -10, MasterBalance: 50, Curator: 10, Company: 50}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.p)
			if tt.wantErr {
				assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestResolve(t *testing.T) {
	override := model.ProfitPolicy{MasterPaid: 40, MasterBalance: 30, Curator: 10, Company: 20, Active: true}

	assert.Equal(t, override, Resolve(Default, &override))
	assert.Equal(t, Default, Resolve(Default, nil))

	override.Active = false
	assert.Equal(t, Default, Resolve(Default, &override))
}

func TestDiff(t *testing.T) {
	id := uuid.New()
	before := Default
	after := model.ProfitPolicy{MasterID: &id, MasterPaid: 40, MasterBalance: 30, Curator: 10, Company: 20, Active: true}

	old, cur := Diff(&before, after)
	assert.Equal(t, "master_paid=30 master_balance=30 curator=5 company=35", old)
	assert.Equal(t, "master_paid=40 master_balance=30 curator=10 company=20 active=true", cur)

	old, _ = Diff(nil, after)
	assert.Empty(t, old)
}

type countingSource struct {
	global    model.ProfitPolicy
	overrides map[uuid.UUID]*model.ProfitPolicy
	calls     int
}

func (s *countingSource) GlobalPolicy(ctx context.Context) (model.ProfitPolicy, error) {
	s.calls++
	return s.global, nil
}

func (s *countingSource) MasterPolicy(ctx context.Context, masterID uuid.UUID) (*model.ProfitPolicy, error) {
	s.calls++
	return s.overrides[masterID], nil
}

func TestCacheLoadsOnceAndRefreshesOnPut(t *testing.T) {
	ctx := context.Background()
	m := uuid.New()
	src := &countingSource{global: Default, overrides: map[uuid.UUID]*model.ProfitPolicy{}}
	c := NewCache()

	p, err := c.ForMaster(ctx, src, m)
	require.NoError(t, err)
	assert.Equal(t, Default, p)
	assert.Equal(t, 2, src.calls)

	_, err = c.ForMaster(ctx, src, m)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)

	override := model.ProfitPolicy{MasterID: &m, MasterPaid: 40, MasterBalance: 30, Curator: 10, Company: 20, Active: true}
	c.PutMaster(override)
	p, err = c.ForMaster(ctx, src, m)
	require.NoError(t, err)
	assert.Equal(t, 40, p.MasterPaid)

	c.PutGlobal(model.ProfitPolicy{Company: 100, Active: true})
	p, err = c.ForMaster(ctx, src, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 100, p.Company)
}
