package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestAddress(t *testing.T) {
	a := Address{Street: "Ленина", House: "12", Apartment: "45", Entrance: "2"}
	assert.Equal(t, "Ленина 12", a.Public())
	assert.Equal(t, "Ленина 12, кв. 45, подъезд 2", a.Full())

	b := Address{Street: "Мира", House: "3"}
	assert.Equal(t, "Мира 3", b.Full())
}

func TestCompletionNetProfit(t *testing.T) {
	c := Completion{
		PartsExpenses:  decimal.NewFromInt(1000),
		TransportCosts: decimal.NewFromInt(500),
		TotalReceived:  decimal.NewFromInt(10000),
	}
	assert.True(t, c.TotalExpenses().Equal(decimal.NewFromInt(1500)))
	assert.True(t, c.NetProfit().Equal(decimal.NewFromInt(8500)))

	c.TotalReceived = decimal.NewFromInt(1000)
	assert.True(t, c.NetProfit().IsNegative())
}

func TestOrderAssignee(t *testing.T) {
	m, w := uuid.New(), uuid.New()
	o := Order{AssignedMasterID: &m}
	assert.Equal(t, &m, o.Assignee())

	o.WarrantyMasterID = &w
	assert.Equal(t, &w, o.Assignee())
}

func TestOrderScheduledAt(t *testing.T) {
	var o Order
	_, ok := o.ScheduledAt()
	assert.False(t, ok)

	day := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	at := 11 * time.Hour
	o.ScheduledDate, o.ScheduledTime = &day, &at
	got, ok := o.ScheduledAt()
	assert.True(t, ok)
	assert.Equal(t, time.Date(2025, 4, 2, 11, 0, 0, 0, time.UTC), got)

	o.ClearSchedule()
	assert.Nil(t, o.ScheduledDate)
	assert.Nil(t, o.ScheduledTime)
}

func TestOrderResetScheduleRestoresRequest(t *testing.T) {
	requested := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	at := 11 * time.Hour
	o := Order{RequestedDate: &requested, RequestedTime: &at}

	slotDay := requested.AddDate(0, 0, 1)
	slotAt := 15 * time.Hour
	o.ScheduledDate, o.ScheduledTime = &slotDay, &slotAt

	o.ResetSchedule()
	assert.Equal(t, &requested, o.ScheduledDate)
	assert.Equal(t, &at, o.ScheduledTime)

	var bare Order
	bare.ScheduledDate, bare.ScheduledTime = &slotDay, &slotAt
	bare.ResetSchedule()
	assert.Nil(t, bare.ScheduledDate)
	assert.Nil(t, bare.ScheduledTime)
}

func TestSlotStatusOccupies(t *testing.T) {
	assert.True(t, SlotReserved.Occupies())
	assert.True(t, SlotInProgress.Occupies())
	assert.False(t, SlotCompleted.Occupies())
	assert.False(t, SlotCancelled.Occupies())
}
