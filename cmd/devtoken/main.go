// devtoken mints an access token for local testing and optionally creates
// the user with an opening credit balance.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/plushify/plushify-api/internal/config"
	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/pkg/database"
	"github.com/plushify/plushify-api/internal/pkg/jwt"
)

type options struct {
	user    string
	email   string
	role    string
	credits int
	create  bool
	ttl     time.Duration
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:          "devtoken",
		Short:        "Mint a Plushify access token for local development",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), config.Load(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.user, "user", "u", "", "user id (random when empty)")
	cmd.Flags().StringVar(&opts.email, "email", "", "email for a created user")
	cmd.Flags().StringVarP(&opts.role, "role", "r", jwt.RoleUser, "token role: user or admin")
	cmd.Flags().IntVar(&opts.credits, "credits", 0, "opening credits granted when --create is set")
	cmd.Flags().BoolVar(&opts.create, "create", false, "insert the user if it does not exist")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, cfg *config.Config, opts options) error {
	if opts.role != jwt.RoleUser && opts.role != jwt.RoleAdmin {
		return fmt.Errorf("unknown role %q", opts.role)
	}

	userID := uuid.New()
	if opts.user != "" {
		id, err := uuid.Parse(opts.user)
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		userID = id
	}

	if opts.create {
		if err := createUser(ctx, out, cfg, userID, opts); err != nil {
			return err
		}
	}

	token, err := jwt.NewService(cfg.JWTSecret, opts.ttl).GenerateAccessToken(userID, opts.role)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	fmt.Fprintf(out, "User:  %s\n", userID)
	fmt.Fprintf(out, "Role:  %s\n", opts.role)
	fmt.Fprintf(out, "Token: %s\n", token)
	return nil
}

func createUser(ctx context.Context, out io.Writer, cfg *config.Config, userID uuid.UUID, opts options) error {
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.ClosePostgres(db)

	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	addr := opts.email
	if addr == "" {
		addr = fmt.Sprintf("dev_%s@plushify.local", userID.String()[:8])
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO users (id, email, role) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, userID, addr, opts.role); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	if opts.credits > 0 {
		balance, err := credit.NewRepository(db).Credit(ctx, userID, opts.credits, credit.Entry{
			Type:        credit.TxTypeAdjustment,
			Description: "Development grant",
		})
		if err != nil {
			return fmt.Errorf("grant credits: %w", err)
		}
		fmt.Fprintf(out, "Balance: %d\n", balance)
	}
	return nil
}
