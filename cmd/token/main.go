// Command token mints control API access tokens for operators.
//
//	JWT_SECRET=... go run ./cmd/token -operator alice -role operator
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"telephony-gateway/internal/auth"
	"telephony-gateway/internal/config"
	"telephony-gateway/internal/rbac"
)

func main() {
	operator := flag.String("operator", "", "operator id embedded in the token")
	role := flag.String("role", rbac.RoleOperator, "admin, operator or viewer")
	ttl := flag.Duration("ttl", 0, "token lifetime (default JWT_ACCESS_TTL)")
	flag.Parse()

	if *operator == "" {
		fmt.Fprintln(os.Stderr, "-operator is required")
		os.Exit(2)
	}
	switch *role {
	case rbac.RoleAdmin, rbac.RoleOperator, rbac.RoleViewer:
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}

	cfg, err := config.LoadAuth()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if *ttl > 0 {
		cfg.AccessTokenTTL = *ttl
	}
	m, err := auth.NewManager(cfg)
	if err != nil {
		slog.Error("auth init failed", "err", err)
		os.Exit(1)
	}
	tok, err := m.IssueAccess(time.Now(), *operator, *role)
	if err != nil {
		slog.Error("token issuance failed", "err", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
