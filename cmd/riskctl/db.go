package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/auth"
	"github.com/mbd888/riskgate/internal/identity"
	"github.com/mbd888/riskgate/internal/idgen"
	"github.com/mbd888/riskgate/internal/ledger"
	"github.com/mbd888/riskgate/internal/session"
	"github.com/mbd888/riskgate/migrations"
)

// openDB connects to DATABASE_URL, loading .env first.
func openDB(ctx context.Context) (*sql.DB, error) {
	_ = godotenv.Load()
	dsn := envOr("DATABASE_URL", "")
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func withDB(fn func(ctx context.Context, db *sql.DB) error) error {
	ctx := context.Background()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return fn(ctx, db)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|down|status|version|redo|up-to|down-to> [version]",
		Short:     "Run database migrations",
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: []string{"up", "down", "status", "version", "redo", "up-to", "down-to"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db *sql.DB) error {
				goose.SetBaseFS(migrations.FS)
				if err := goose.SetDialect("postgres"); err != nil {
					return err
				}
				if err := goose.RunContext(ctx, args[0], db, ".", args[1:]...); err != nil {
					return fmt.Errorf("migration %s failed: %w", args[0], err)
				}
				return nil
			})
		},
	}
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "Manage identities"}

	var (
		id, email string
		roles     []string
		perms     []string
		mfa       bool
		openWith  string
		currency  string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an identity, optionally with a funded account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = idgen.WithPrefix("usr_")
			}
			return withDB(func(ctx context.Context, db *sql.DB) error {
				now := time.Now()
				ident := &identity.Identity{
					ID:          id,
					Email:       email,
					Active:      true,
					Roles:       upper(roles),
					Permissions: perms,
					MFAEnabled:  mfa,
					CreatedAt:   now,
				}
				if err := identity.NewPostgresStore(db).Create(ctx, ident); err != nil {
					return err
				}
				fmt.Println("identity", ident.ID)

				if openWith == "" {
					return nil
				}
				balance, err := decimal.NewFromString(openWith)
				if err != nil {
					return fmt.Errorf("--open-with: %w", err)
				}
				acc := &ledger.Account{
					ID:            idgen.WithPrefix("acc_"),
					OwnerID:       ident.ID,
					AccountNumber: ledger.NewAccountNumber(now),
					Balance:       balance,
					Currency:      currency,
					Active:        true,
					CreatedAt:     now,
				}
				if err := ledger.NewPostgresStore(db).CreateAccount(ctx, acc); err != nil {
					return err
				}
				fmt.Println("account", acc.ID, acc.AccountNumber, acc.Balance.StringFixed(2), acc.Currency)
				return nil
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "Identity ID (generated when empty)")
	create.Flags().StringVar(&email, "email", "", "Email address")
	create.Flags().StringSliceVar(&roles, "role", []string{"CUSTOMER"}, "Role (repeatable)")
	create.Flags().StringSliceVar(&perms, "permission", nil, "Permission such as transfer:create (repeatable)")
	create.Flags().BoolVar(&mfa, "mfa", false, "Mark MFA as enrolled")
	create.Flags().StringVar(&openWith, "open-with", "", "Open an account with this balance")
	create.Flags().StringVar(&currency, "currency", "TRY", "Currency of the opened account")

	cmd.AddCommand(create)
	return cmd
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage sessions"}

	var (
		ip        string
		userAgent string
		language  string
	)
	issue := &cobra.Command{
		Use:   "issue <identity-id>",
		Short: "Issue a session token for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, db *sql.DB) error {
				mgr := auth.NewManager(
					session.NewPostgresStore(db),
					identity.NewPostgresStore(db),
					audit.NewRecorder(audit.NewPostgresStore(db)),
				)
				h := http.Header{}
				h.Set("User-Agent", userAgent)
				if language != "" {
					h.Set("Accept-Language", language)
				}
				token, s, err := mgr.Issue(ctx, args[0], ip, h)
				if err != nil {
					return err
				}
				fmt.Println(token)
				fmt.Println("session", s.ID, "expires", s.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	issue.Flags().StringVar(&ip, "ip", "127.0.0.1", "Client IP recorded on the session")
	issue.Flags().StringVar(&userAgent, "user-agent", "riskctl/"+version, "User-Agent the client will send")
	issue.Flags().StringVar(&language, "accept-language", "", "Accept-Language the client will send")

	cmd.AddCommand(issue)
	return cmd
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}
