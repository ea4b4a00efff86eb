package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewEnrollCmd creates the 'enroll' command. It runs on the agent host
// and trades the operator's enroll token for a permanent credential.
func NewEnrollCmd(a *App) *cobra.Command {
	var hubURL, token, name string

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll this host as an agent",
		Long: `Enroll against the hub's agent plane. The returned agent_id and
agent_key go into the agent section of the config file; the key is
shown exactly once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name, _ = os.Hostname()
			}
			body, err := json.Marshal(map[string]string{"token": token, "name": name})
			if err != nil {
				return err
			}

			url := strings.TrimRight(hubURL, "/") + "/agent/enroll"
			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("enroll against %s: %w", hubURL, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return fmt.Errorf("enroll rejected: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
			}

			var cred struct {
				AgentID  string `json:"agent_id"`
				AgentKey string `json:"agent_key"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
				return fmt.Errorf("decode enroll response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agent_id:  %s\n", cred.AgentID)
			fmt.Fprintf(out, "agent_key: %s\n", cred.AgentKey)
			fmt.Fprintln(out, "\nAdd both to the agent section of the config file; the key is not shown again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&hubURL, "hub-url", "", "Hub base URL (e.g. https://hub.example:8440)")
	cmd.Flags().StringVar(&token, "token", "", "Enroll token configured on the hub")
	cmd.Flags().StringVar(&name, "name", "", "Agent display name (default: hostname)")
	_ = cmd.MarkFlagRequired("hub-url")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}
