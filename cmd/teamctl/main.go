package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/splax/teamgate/internal/eth"
	apiclient "github.com/splax/teamgate/pkg/api/client"
)

const (
	defaultAPIBase = "http://localhost:4000"
	keyEnv         = "TEAMGATE_PRIVATE_KEY"
	requestTimeout = 15 * time.Second
)

var buildVersion = "dev"

type cliConfig struct {
	APIBaseURL string         `json:"api_base_url"`
	Cookies    []storedCookie `json:"cookies,omitempty"`
}

type storedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var (
	apiBase string

	rootCmd = &cobra.Command{
		Use:           "teamctl",
		Short:         "Manage teamgate teams from the terminal",
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&apiBase, "api", "", "API base URL (default "+defaultAPIBase+")")
	rootCmd.AddCommand(loginCmd(), logoutCmd(), whoamiCmd(), teamsCmd(), teamCmd(), memberCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loginCmd() *cobra.Command {
	var keyHex string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with an Ethereum key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := strings.TrimSpace(keyHex)
			if secret == "" {
				secret = strings.TrimSpace(os.Getenv(keyEnv))
			}
			if secret == "" {
				fmt.Print("Private key: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Print("\n")
				if err != nil {
					return fmt.Errorf("read private key: %w", err)
				}
				secret = string(raw)
			}
			signer, err := eth.NewKeySigner(secret)
			if err != nil {
				return err
			}

			cfg, client, err := openClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			sess, err := client.Login(ctx, signer)
			if err != nil {
				return err
			}
			if err := saveSession(cfg, client); err != nil {
				return err
			}
			fmt.Printf("signed in as %s (team %s)\n", sess.UserID, sess.TeamID)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "hex private key (default $"+keyEnv+" or prompt)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, client, err := openClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if err := client.Logout(ctx); err != nil {
				return err
			}
			cfg.Cookies = nil
			return saveConfig(cfg)
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, client, err := openClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			sess, err := client.Session(ctx)
			if err != nil {
				return err
			}
			if !sess.Authenticated {
				fmt.Println("not signed in")
				return nil
			}
			fmt.Printf("%s (team %s)\n", sess.UserID, sess.TeamID)
			return nil
		},
	}
}

func teamsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teams",
		Short: "List, create and switch teams",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List your teams",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, client, err := openClient()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				teams, err := client.ListTeams(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ACTIVE\tID\tNAME\tTYPE\tROLE")
				for _, t := range teams {
					active := ""
					if t.Active {
						active = "*"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", active, t.ID, t.Name, t.Type, t.Role)
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create an organization team and switch to it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(cmd, func(ctx context.Context, client *apiclient.Client) error {
					team, err := client.CreateTeam(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Printf("created %s (%s)\n", team.Name, team.ID)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "switch <team-id>",
			Short: "Make a team active",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(cmd, func(ctx context.Context, client *apiclient.Client) error {
					sess, err := client.SwitchTeam(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Printf("active team %s\n", sess.TeamID)
					return nil
				})
			},
		},
	)
	return cmd
}

func teamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Inspect and manage the active team",
	}
	var avatar string
	rename := &cobra.Command{
		Use:   "update <name>",
		Short: "Rename the active team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := openClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			team, err := client.UpdateTeam(ctx, args[0], avatar)
			if err != nil {
				return err
			}
			fmt.Printf("updated %s\n", team.Name)
			return nil
		},
	}
	rename.Flags().StringVar(&avatar, "avatar", "", "avatar image URL")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the active team and its members",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, client, err := openClient()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				overview, err := client.Team(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%s (%s, %s) - you are %s\n\n", overview.Team.Name, overview.Team.Type, overview.Team.ID, overview.Role)
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "MEMBER\tROLE\tJOINED")
				for _, m := range overview.Members {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", m.UserID, m.Role, m.CreatedAt.Format(time.DateOnly))
				}
				return tw.Flush()
			},
		},
		rename,
		&cobra.Command{
			Use:   "delete",
			Short: "Delete the active team",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withSession(cmd, func(ctx context.Context, client *apiclient.Client) error {
					sess, err := client.DeleteTeam(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("deleted; active team %s\n", sess.TeamID)
					return nil
				})
			},
		},
	)
	return cmd
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage members of the active team",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "invite <address-or-ens>",
			Short: "Add a wallet to the active team",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, client, err := openClient()
				if err != nil {
					return err
				}
				ctx, cancel := requestContext(cmd)
				defer cancel()
				member, err := client.InviteMember(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("invited %s as %s\n", member.UserID, member.Role)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <address> <owner|admin|member|delete>",
			Short: "Change a member's role or remove them",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(cmd, func(ctx context.Context, client *apiclient.Client) error {
					sess, err := client.UpdateMember(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					fmt.Printf("done; active team %s\n", sess.TeamID)
					return nil
				})
			},
		},
	)
	return cmd
}

// withSession runs fn and saves the session cookie afterwards, for commands
// that may move the caller to another team.
func withSession(cmd *cobra.Command, fn func(context.Context, *apiclient.Client) error) error {
	cfg, client, err := openClient()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()
	if err := fn(ctx, client); err != nil {
		return err
	}
	return saveSession(cfg, client)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, requestTimeout)
}

func openClient() (cliConfig, *apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cliConfig{}, nil, err
	}
	if strings.TrimSpace(apiBase) != "" {
		cfg.APIBaseURL = apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return cliConfig{}, nil, err
	}
	cookies := make([]*http.Cookie, 0, len(cfg.Cookies))
	for _, c := range cfg.Cookies {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	client.SetCookies(cookies)
	return cfg, client, nil
}

func saveSession(cfg cliConfig, client *apiclient.Client) error {
	cfg.Cookies = cfg.Cookies[:0]
	for _, c := range client.Cookies() {
		cfg.Cookies = append(cfg.Cookies, storedCookie{Name: c.Name, Value: c.Value})
	}
	return saveConfig(cfg)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "teamgate", "cli.json"), nil
}
