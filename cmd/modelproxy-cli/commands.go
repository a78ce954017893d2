package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	modelproxy "github.com/ferro-labs/model-proxy"
	"github.com/ferro-labs/model-proxy/internal/accounts"
	"github.com/ferro-labs/model-proxy/internal/version"
	"github.com/ferro-labs/model-proxy/models"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "modelproxy-cli",
		Short:         "Model proxy command line tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newValidateCmd(),
		newModelsCmd(),
		newDeploymentsCmd(),
		newAccountsCmd(),
		newVersionCmd(),
	)
	return root
}

func loadValidConfig(path string) (*modelproxy.Config, error) {
	cfg, err := modelproxy.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := modelproxy.ValidateConfig(*cfg); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	return cfg, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(args[0])
			if err != nil {
				return err
			}
			deps, err := cfg.AllDeployments()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cfg.Providers))
			for _, p := range cfg.Providers {
				names = append(names, p.ProviderName())
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Config is valid")
			fmt.Fprintf(out, "  Accounts:    %s\n", cfg.Accounts.Backend)
			fmt.Fprintf(out, "  Providers:   %s\n", strings.Join(names, ", "))
			fmt.Fprintf(out, "  Deployments: %d\n", len(deps))
			return nil
		},
	}
}

func newModelsCmd() *cobra.Command {
	var (
		catalogURL string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog and model groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := models.Load(catalogURL)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, catalog)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tGROUP\tCREATOR")
			for _, m := range catalog.All() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, m.Group, m.CreatorOrganization)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&catalogURL, "catalog-url", "", "fetch the catalog from this URL instead of the embedded one")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newDeploymentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deployments <config-file>",
		Short: "List the deployments a configuration defines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(args[0])
			if err != nil {
				return err
			}
			deps, err := cfg.AllDeployments()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTOKENIZER\tMAX SEQUENCE\tWINDOW SERVICE\tCLIENT")
			for _, d := range deps {
				windowClass, clientClass := "default", "-"
				if d.WindowServiceSpec != nil {
					windowClass = d.WindowServiceSpec.ClassName
				}
				if d.ClientSpec != nil {
					clientClass = d.ClientSpec.ClassName
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", d.Name, d.TokenizerName, d.MaxSequenceLength, windowClass, clientClass)
			}
			return tw.Flush()
		},
	}
}

func newAccountsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage accounts in the configured store",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file naming the account store (required)")
	_ = cmd.MarkPersistentFlagRequired("config")

	// openLedger opens the store with full privileges; the CLI runs with
	// direct access to it.
	openLedger := func() (*accounts.Ledger, func() error, error) {
		cfg, err := loadValidConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
		store, err := accounts.OpenStore(cfg.Accounts.Backend, cfg.Accounts.DSN)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() error { return nil }
		if c, ok := store.(io.Closer); ok {
			closeFn = c.Close
		}
		ledger := accounts.NewLedger(store, accounts.Options{
			DefaultQuotas: cfg.Accounts.DefaultQuotas,
			RootMode:      true,
		})
		return ledger, closeFn, nil
	}

	var (
		description string
		emails      []string
		admin       bool
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an account and print its API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, closeFn, err := openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			acct, err := ledger.CreateAccount(accounts.Credentials{}, accounts.NewAccount{
				Description: description,
				Emails:      emails,
				IsAdmin:     admin,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), acct)
		},
	}
	create.Flags().StringVar(&description, "description", "", "account description")
	create.Flags().StringSliceVar(&emails, "email", nil, "contact email (repeatable)")
	create.Flags().BoolVar(&admin, "admin", false, "create an admin account")

	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, closeFn, err := openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			list, err := ledger.ListAccounts(accounts.Credentials{})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDESCRIPTION\tADMIN\tCREATED")
			for _, a := range list {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", a.ID, a.Description, a.IsAdmin, a.CreatedAt.Format("2006-01-02"))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "modelproxy-cli %s\n", version.String())
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
