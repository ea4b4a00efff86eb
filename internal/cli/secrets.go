package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bastion-sh/bastion/internal/secretbox"
	"github.com/bastion-sh/bastion/internal/store"
)

// NewSecretsCmd creates the 'secrets' command group. Secrets are sealed
// with the hub master key before they touch the database; list never
// shows plaintext.
func NewSecretsCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage sealed credentials",
	}
	cmd.AddCommand(newSecretsSetCmd(a), newSecretsListCmd(a), newSecretsRmCmd(a))
	return cmd
}

// readSecretInput reads sensitive input: hidden from the terminal when
// stdin is one, a plain line otherwise so scripts and tests can pipe.
func readSecretInput(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newSecretsSetCmd(a *App) *cobra.Command {
	var (
		nodeID   string
		kind     string
		url      string
		username string
		generate bool
	)

	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Seal and store a credential",
		Long: `Seal a credential under (node, kind, name). webdav takes --url and
--username and prompts for the password; age_x25519 either generates a
fresh key (--generate, printing the recipient) or prompts for an
existing identity; wecom_bot and email prompt for their URL.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			box, err := openBox(cfg)
			if err != nil {
				return err
			}

			var plain []byte
			out := cmd.OutOrStdout()
			switch kind {
			case store.SecretWebDAV:
				if url == "" {
					return fmt.Errorf("webdav secrets need --url")
				}
				pass, err := readSecretInput("password: ")
				if err != nil {
					return err
				}
				plain, err = secretbox.EncodeWebDAV(secretbox.WebDAVValue{
					URL: url, Username: username, Password: pass,
				})
				if err != nil {
					return err
				}

			case store.SecretAge:
				if generate {
					identity, recipient, err := secretbox.GenerateAgeKey()
					if err != nil {
						return err
					}
					plain = []byte(identity)
					fmt.Fprintf(out, "recipient: %s\n", recipient)
				} else {
					identity, err := readSecretInput("age identity: ")
					if err != nil {
						return err
					}
					if _, err := secretbox.ParseAgeIdentity(identity); err != nil {
						return err
					}
					plain = []byte(identity)
					recipient, err := secretbox.RecipientForIdentity(identity)
					if err == nil {
						fmt.Fprintf(out, "recipient: %s\n", recipient)
					}
				}

			case store.SecretWeComBot, store.SecretEmail:
				v, err := readSecretInput("url: ")
				if err != nil {
					return err
				}
				if v == "" {
					return fmt.Errorf("empty value")
				}
				plain = []byte(v)

			default:
				return fmt.Errorf("unknown secret kind %q", kind)
			}

			kid, nonce, ct, err := box.Seal(plain)
			if err != nil {
				return err
			}
			if err := st.PutSecret(&store.SecretRow{
				NodeID:     nodeID,
				Kind:       kind,
				Name:       name,
				KID:        kid,
				Nonce:      nonce,
				Ciphertext: ct,
				UpdatedAt:  time.Now().Unix(),
			}); err != nil {
				return err
			}
			fmt.Fprintf(out, "secret %s/%s/%s stored\n", nodeID, kind, name)
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeID, "node", store.NodeHub, "Node that owns the secret (hub or an agent id)")
	cmd.Flags().StringVar(&kind, "kind", store.SecretWebDAV, "Secret kind: webdav, age_x25519, wecom_bot, email")
	cmd.Flags().StringVar(&url, "url", "", "WebDAV base URL (kind webdav)")
	cmd.Flags().StringVar(&username, "username", "", "WebDAV username (kind webdav)")
	cmd.Flags().BoolVar(&generate, "generate", false, "Generate a fresh age key (kind age_x25519)")
	return cmd
}

func newSecretsListCmd(a *App) *cobra.Command {
	var nodeID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sealed credentials for a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.ListSecrets(nodeID)
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "KIND\tNAME\tUPDATED")
			for _, row := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\n", row.Kind, row.Name, formatAge(row.UpdatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&nodeID, "node", store.NodeHub, "Node that owns the secrets")
	return cmd
}

func newSecretsRmCmd(a *App) *cobra.Command {
	var (
		nodeID string
		kind   string
	)

	cmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a sealed credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteSecret(nodeID, kind, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "secret %s/%s/%s removed\n", nodeID, kind, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeID, "node", store.NodeHub, "Node that owns the secret")
	cmd.Flags().StringVar(&kind, "kind", store.SecretWebDAV, "Secret kind")
	return cmd
}
