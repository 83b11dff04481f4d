// Package access проверяет права ролей по закрытой таблице возможностей.
package access

import (
	"github.com/google/uuid"

	"github.com/fieldops/dispatch/internal/apperr"
	"github.com/fieldops/dispatch/internal/model"
)

// Capability описывает действие, требующее права.
type Capability string

const (
	CapCreateOrder      Capability = "order.create"
	CapViewQueue        Capability = "order.queue"
	CapDeleteOrder      Capability = "order.delete"
	CapAssignOrder      Capability = "order.assign"
	CapTransferWarranty Capability = "order.transfer_warranty"
	CapWorkOrders       Capability = "order.work"
	CapReviewCompletion Capability = "completion.review"
	CapFineMaster       Capability = "balance.fine"
	CapTopUpBalance     Capability = "balance.top_up"
	CapViewTreasury     Capability = "treasury.view"
	CapViewAnyMaster    Capability = "master.view_any"
	CapManageSchedules  Capability = "schedule.manage_any"
	CapWritePolicy      Capability = "policy.write"
	CapOverrideTier     Capability = "tier.override"
	CapWriteDistance    Capability = "distance.write"
	CapExportLedger     Capability = "ledger.export"
	CapViewAudit        Capability = "audit.view"
	CapManageUsers      Capability = "user.manage"
)

var curatorCaps = []Capability{
	CapCreateOrder, CapViewQueue, CapDeleteOrder, CapAssignOrder, CapTransferWarranty,
	CapReviewCompletion, CapFineMaster, CapViewAnyMaster, CapManageSchedules, CapViewAudit,
}

var table = map[model.Role]map[Capability]bool{
	model.RoleMaster:         set(CapWorkOrders),
	model.RoleWarrantyMaster: set(CapWorkOrders),
	model.RoleOperator:       set(CapCreateOrder, CapViewQueue, CapDeleteOrder, CapViewAudit),
	model.RoleCurator:        set(curatorCaps...),
	model.RoleSuperAdmin: set(append(curatorCaps,
		CapTopUpBalance, CapViewTreasury, CapWritePolicy, CapOverrideTier, CapWriteDistance, CapExportLedger, CapManageUsers,
	)...),
}

func set(caps ...Capability) map[Capability]bool {
	m := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		m[c] = true
	}
	return m
}

// Principal описывает аутентифицированного участника операции.
type Principal struct {
	ID   uuid.UUID
	Role model.Role
}

// Can сообщает, есть ли у роли возможность. Неизвестные роли не могут ничего.
func Can(role model.Role, c Capability) bool {
	return table[role][c]
}

// Require возвращает forbidden, если у участника нет возможности.
func Require(p Principal, c Capability) error {
	if !Can(p.Role, c) {
		return apperr.Forbidden("role %q lacks %s", p.Role, c)
	}
	return nil
}

// RequireSelfOr пропускает участника, действующего от своего имени, либо обладателя возможности.
func RequireSelfOr(p Principal, subject uuid.UUID, c Capability) error {
	if p.ID == subject {
		return nil
	}
	return Require(p, c)
}

// IsReviewer сообщает, может ли участник проверять отчёты.
func IsReviewer(role model.Role) bool {
	return Can(role, CapReviewCompletion)
}
