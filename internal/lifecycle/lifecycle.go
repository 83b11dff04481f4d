// Package lifecycle описывает допустимые переходы заказа между статусами.
package lifecycle

import (
	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/model"
)

// Event описывает событие, переводящее заказ в другой статус.
type Event string

const (
	EventProcess          Event = "process"
	EventAssign           Event = "assign"
	EventTransferWarranty Event = "transfer_warranty"
	EventDelete           Event = "delete"
	EventUnassign         Event = "unassign"
	EventStart            Event = "start"
	EventSubmit           Event = "submit_completion"
	EventApprove          Event = "approve"
	EventReject           Event = "reject"
)

type rule struct {
	from []model.OrderStatus
	to   model.OrderStatus
}

var rules = map[Event]rule{
	EventProcess: {from: []model.OrderStatus{model.OrderNew}, to: model.OrderProcessing},
	EventAssign:  {from: []model.OrderStatus{model.OrderNew, model.OrderProcessing}, to: model.OrderAssigned},
	EventTransferWarranty: {
		from: []model.OrderStatus{model.OrderNew, model.OrderProcessing, model.OrderAssigned, model.OrderInProgress, model.OrderCompleted},
		to:   model.OrderWarrantyTransferred,
	},
	EventDelete:   {from: []model.OrderStatus{model.OrderNew, model.OrderProcessing}, to: model.OrderDeleted},
	EventUnassign: {from: []model.OrderStatus{model.OrderAssigned}, to: model.OrderNew},
	EventStart:    {from: []model.OrderStatus{model.OrderAssigned, model.OrderWarrantyTransferred}, to: model.OrderInProgress},
	EventSubmit: {
		from: []model.OrderStatus{model.OrderInProgress, model.OrderAssigned, model.OrderWarrantyTransferred},
		to:   model.OrderAwaitingReview,
	},
	EventApprove: {from: []model.OrderStatus{model.OrderAwaitingReview}, to: model.OrderCompleted},
	EventReject:  {from: []model.OrderStatus{model.OrderAwaitingReview}, to: model.OrderInProgress},
}

// Next возвращает статус после события или state-mismatch, если переход запрещён.
func Next(from model.OrderStatus, ev Event) (model.OrderStatus, error) {
	r, ok := rules[ev]
	if !ok {
		return "", apperr.Invalid("unknown order event %q", ev)
	}
	for _, s := range r.from {
		if s == from {
			return r.to, nil
		}
	}
	return "", apperr.StateMismatch("cannot %s order in status %q", ev, from)
}

// Allowed сообщает, разрешено ли событие в текущем статусе.
func Allowed(from model.OrderStatus, ev Event) bool {
	_, err := Next(from, ev)
	return err == nil
}

// FinesOriginalMaster сообщает, штрафует ли передача на гарантию из статуса исходного мастера.
func FinesOriginalMaster(from model.OrderStatus) bool {
	return from == model.OrderInProgress || from == model.OrderCompleted
}

// Slotted сообщает, должен ли у заказа в статусе быть слот. Передача на гарантию сюда не входит.
func Slotted(s model.OrderStatus) bool {
	return s == model.OrderAssigned || s == model.OrderInProgress || s == model.OrderAwaitingReview
}
