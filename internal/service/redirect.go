package service

import "github.com/and161185/shepherd/internal/model"

// DefaultRedirect is where users without a dedicated dashboard land.
const DefaultRedirect = "/dashboard"

var redirects = map[string]string{
	model.RoleSuperAdmin:          "/dashboard/admin",
	model.RoleBranchAdmin:         "/dashboard/branch-admin",
	model.RolePastoralStaff:       "/dashboard/pastoral",
	model.RoleMinistryLeader:      "/dashboard/ministry",
	model.RoleFinanceManager:      "/dashboard/finance",
	model.RoleSubscriptionManager: "/dashboard/subscriptions",
}

// RedirectFor returns the landing path for a primary role.
func RedirectFor(primaryRole string) string {
	if p, ok := redirects[primaryRole]; ok {
		return p
	}
	return DefaultRedirect
}
