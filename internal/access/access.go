// Package access decides whether a role may perform an operation. It knows
// nothing about transports or sessions; callers resolve the actor first.
package access

import (
	"errors"
	"fmt"

	"posledger/internal/domain"
)

var ErrForbidden = errors.New("forbidden")

type Operation string

const (
	OpCreateProduct Operation = "product.create"
	OpUpdateProduct Operation = "product.update"
	OpDeleteProduct Operation = "product.delete"
	OpViewCatalog   Operation = "catalog.view"
	OpRegisterSale  Operation = "sale.register"
	OpVoidSale      Operation = "sale.void"
	OpViewSales     Operation = "sale.view"
)

var policy = map[Operation][]domain.Role{
	OpCreateProduct: {domain.RoleAdministrator, domain.RoleSeller},
	OpUpdateProduct: {domain.RoleAdministrator},
	OpDeleteProduct: {domain.RoleAdministrator},
	OpViewCatalog:   {domain.RoleAdministrator, domain.RoleSeller},
	OpRegisterSale:  {domain.RoleAdministrator, domain.RoleSeller},
	OpVoidSale:      {domain.RoleAdministrator},
	OpViewSales:     {domain.RoleAdministrator, domain.RoleSeller},
}

// Allow reports whether role may perform op. Unknown roles and operations are
// denied.
func Allow(role domain.Role, op Operation) bool {
	for _, allowed := range policy[op] {
		if allowed == role {
			return true
		}
	}
	return false
}

func Check(actor domain.Actor, op Operation) error {
	if actor.Username == "" || !Allow(actor.Role, op) {
		return fmt.Errorf("%w: %s may not %s", ErrForbidden, describe(actor), op)
	}
	return nil
}

func describe(actor domain.Actor) string {
	if actor.Username == "" {
		return "anonymous caller"
	}
	return fmt.Sprintf("%s (%s)", actor.Username, actor.Role)
}
