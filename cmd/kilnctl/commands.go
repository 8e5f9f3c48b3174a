package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/and161185/kilnkeeper/internal/actor"
	"github.com/and161185/kilnkeeper/internal/dispatch"
	"github.com/and161185/kilnkeeper/internal/migrate"
)

var errCallFailed = errors.New("call failed")

// rootOptions holds global flags shared by all commands.
type rootOptions struct {
	dial    dialOpts
	timeout time.Duration
	jwtKey  string

	// dialer is replaced in tests.
	dialer func(ctx context.Context, o dialOpts, bearer string) (*grpc.ClientConn, error)
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	if opts.dialer == nil {
		opts.dialer = dial
	}
	cmd := &cobra.Command{
		Use:           "kilnctl",
		Short:         "kilnctl - kiln reservation service client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.dial.addr, "addr", "localhost:8443", "server addr")
	cmd.PersistentFlags().StringVar(&opts.dial.caPath, "cacert", "", "CA cert (PEM)")
	cmd.PersistentFlags().BoolVar(&opts.dial.insecure, "insecure", false, "skip cert verify (dev)")
	cmd.PersistentFlags().BoolVar(&opts.dial.plaintext, "plaintext", false, "connect without TLS")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall command timeout")
	cmd.PersistentFlags().StringVar(&opts.jwtKey, "jwt-key", os.Getenv("KILN_JWT_KEY"), "HS256 signing key for minting tokens")

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newCallCommand(opts))
	cmd.AddCommand(newRoutesCommand())
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "kilnctl %s (%s)\n", version, buildDate)
			return nil
		},
	}
}

type tokenOptions struct {
	uid        string
	ttl        time.Duration
	save       bool
	staff      bool
	scopes     []string
	agent      string
	delegation string
	audience   string
}

func newTokenCommand(root *rootOptions) *cobra.Command {
	o := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed credential",
	}
	cmd.PersistentFlags().StringVar(&o.uid, "uid", "", "user id (required)")
	cmd.PersistentFlags().DurationVar(&o.ttl, "ttl", time.Hour, "token lifetime")
	cmd.PersistentFlags().BoolVar(&o.save, "save", false, "store the token for later calls")

	issue := func(cmd *cobra.Command, mint func(*actor.Issuer) (string, error)) error {
		if root.jwtKey == "" {
			return errors.New("need --jwt-key or KILN_JWT_KEY")
		}
		if o.uid == "" {
			return errors.New("need --uid")
		}
		tok, err := mint(actor.NewIssuer([]byte(root.jwtKey)))
		if err != nil {
			return err
		}
		if o.save {
			if err := saveToken(tok, time.Now().Add(o.ttl)); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	}

	session := &cobra.Command{
		Use:   "session",
		Short: "Direct session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return issue(cmd, func(i *actor.Issuer) (string, error) { return i.Session(o.uid, o.staff, o.ttl) })
		},
	}
	session.Flags().BoolVar(&o.staff, "staff", false, "grant staff role")

	pat := &cobra.Command{
		Use:   "pat",
		Short: "Personal access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return issue(cmd, func(i *actor.Issuer) (string, error) { return i.Personal(o.uid, o.scopes, o.ttl) })
		},
	}
	pat.Flags().StringSliceVar(&o.scopes, "scope", nil, "granted scope (repeatable)")

	delegated := &cobra.Command{
		Use:   "delegated",
		Short: "Delegated agent token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.agent == "" || o.delegation == "" {
				return errors.New("need --agent and --delegation")
			}
			return issue(cmd, func(i *actor.Issuer) (string, error) {
				return i.DelegatedToken(o.uid, o.agent, o.delegation, o.audience, o.scopes, o.ttl)
			})
		},
	}
	delegated.Flags().StringSliceVar(&o.scopes, "scope", nil, "granted scope (repeatable)")
	delegated.Flags().StringVar(&o.agent, "agent", "", "agent client id")
	delegated.Flags().StringVar(&o.delegation, "delegation", "", "delegation id")
	delegated.Flags().StringVar(&o.audience, "audience", "", "token audience")

	cmd.AddCommand(session, pat, delegated)
	return cmd
}

func newCallCommand(root *rootOptions) *cobra.Command {
	var raw, file, token string
	cmd := &cobra.Command{
		Use:   "call <operation>",
		Short: "Call an operation and print the envelope",
		Long: `Call an operation and print the response envelope.

Example:
  kilnctl call reservations.create --params '{"firingType":"bisque","estimatedHalfShelves":2}'
  kilnctl call /apiV1/v1/reservations.get --params '{"reservationId":"..."}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(raw)
			if file != "" {
				b, err := readAll(file)
				if err != nil {
					return err
				}
				body = b
			}
			p, err := parseParams(body)
			if err != nil {
				return err
			}
			if token == "" {
				// anonymous calls are allowed; the server decides
				token, _ = loadToken()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), root.timeout)
			defer cancel()
			cc, err := root.dialer(ctx, root.dial, token)
			if err != nil {
				return err
			}
			defer cc.Close()

			res, err := invoke(ctx, cc, args[0], p)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), res.Envelope)
			if !res.Envelope.OK {
				return fmt.Errorf("%w: %d %s", errCallFailed, res.HTTPStatus, res.Envelope.Code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&raw, "params", "{}", "parameters as a JSON object")
	cmd.Flags().StringVar(&file, "file", "", "read parameters from file (- for stdin)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default: saved token)")
	return cmd
}

func newRoutesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List operations with their legacy paths and policies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// services are only needed to handle calls
			fmt.Fprint(cmd.OutOrStdout(), dispatch.NewTable(nil, nil).Describe())
			return nil
		},
	}
}

func newMigrateCommand(root *rootOptions) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("KILN_DSN"), "PostgreSQL DSN")

	withDSN := func(run func(ctx context.Context, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				return errors.New("need --dsn or KILN_DSN")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), root.timeout)
			defer cancel()
			return run(ctx, cmd)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withDSN(func(ctx context.Context, cmd *cobra.Command) error {
				return migrate.Up(ctx, dsn)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: withDSN(func(ctx context.Context, cmd *cobra.Command) error {
				return migrate.Down(ctx, dsn)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the schema version",
			RunE: withDSN(func(ctx context.Context, cmd *cobra.Command) error {
				v, err := migrate.Version(ctx, dsn)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			}),
		},
	)
	return cmd
}
