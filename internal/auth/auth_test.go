package auth

import (
	"errors"
	"testing"
)

func TestRoleSupersets(t *testing.T) {
	admin := Actor{ID: "a", Role: RoleAdmin}
	mgmt := Actor{ID: "m", Role: RoleManagement}
	user := Actor{ID: "u", Role: RoleUser}
	unknown := Actor{ID: "x", Role: "intern"}

	if !admin.HasAtLeast(RoleUser) || !admin.HasAtLeast(RoleManagement) || !admin.HasAtLeast(RoleAdmin) {
		t.Fatalf("admin must satisfy every role")
	}
	if !mgmt.HasAtLeast(RoleUser) || mgmt.HasAtLeast(RoleAdmin) {
		t.Fatalf("management satisfies user but not admin")
	}
	if user.HasAtLeast(RoleManagement) {
		t.Fatalf("user must not satisfy management")
	}
	if unknown.HasAtLeast(RoleUser) {
		t.Fatalf("unknown role must satisfy nothing")
	}
}

func TestGuard(t *testing.T) {
	g := NewGuard()
	admin := Actor{ID: "admin-1", Role: RoleAdmin}
	mgmt := Actor{ID: "mgr-1", Role: RoleManagement}
	user := Actor{ID: "consultant-1", Role: RoleUser}

	if err := g.CanAuthorScenarios(admin); err != nil {
		t.Fatalf("admin author: %v", err)
	}
	if err := g.CanAuthorScenarios(mgmt); !errors.Is(err, ErrForbidden) {
		t.Fatalf("management author: err = %v, want ErrForbidden", err)
	}

	if err := g.CanDeploy(user); err != nil {
		t.Fatalf("user deploy: %v", err)
	}
	if err := g.CanDeploy(Actor{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("anonymous deploy: err = %v, want ErrForbidden", err)
	}

	if err := g.CanOperate(user, "consultant-1"); err != nil {
		t.Fatalf("creator operate: %v", err)
	}
	if err := g.CanOperate(user, "someone-else"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-creator operate: err = %v, want ErrForbidden", err)
	}
	if err := g.CanOperate(admin, "someone-else"); err != nil {
		t.Fatalf("admin operate: %v", err)
	}

	if err := g.CanApprove(mgmt); err != nil {
		t.Fatalf("management approve: %v", err)
	}
	if err := g.CanApprove(user); !errors.Is(err, ErrForbidden) {
		t.Fatalf("user approve: err = %v, want ErrForbidden", err)
	}
}
