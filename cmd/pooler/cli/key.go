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

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys through a running gateway",
		Long: `Issue, list, and revoke API keys against a running gateway instance.

Key management requires a bearer token: log in first (or pass --email and
--password to have the command log in for you) and supply the token via
--token or the POOLER_TOKEN environment variable.`,
	}

	cmd.PersistentFlags().String("server", "http://localhost:8080", "Gateway base URL")
	cmd.PersistentFlags().String("token", "", "Bearer token (defaults to POOLER_TOKEN)")
	cmd.PersistentFlags().String("email", "", "Email to log in with when no token is given")
	cmd.PersistentFlags().String("password", "", "Password to log in with when no token is given")

	cmd.AddCommand(newKeyIssueCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// gatewayClient is a minimal authenticated HTTP client for the key commands.
type gatewayClient struct {
	base  string
	token string
	httpc *http.Client
}

func newGatewayClient(cmd *cobra.Command) (*gatewayClient, error) {
	base, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("POOLER_TOKEN")
	}

	gc := &gatewayClient{
		base:  strings.TrimRight(base, "/"),
		httpc: &http.Client{Timeout: 15 * time.Second},
	}

	if token == "" {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		if email == "" || password == "" {
			return nil, fmt.Errorf("no bearer token: pass --token, set POOLER_TOKEN, or pass --email and --password")
		}
		var err error
		token, err = gc.login(email, password)
		if err != nil {
			return nil, err
		}
	}

	gc.token = token
	return gc, nil
}

func (c *gatewayClient) login(email, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err := c.httpc.Post(c.base+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError("login", resp)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("login: decode response: %w", err)
	}
	return out.Token, nil
}

func (c *gatewayClient) do(method, path string, out interface{}) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(method+" "+path, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiError turns a non-200 gateway response into a readable error.
func apiError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		if body.Message != "" {
			return fmt.Errorf("%s: %s: %s", op, body.Error, body.Message)
		}
		return fmt.Errorf("%s: %s", op, body.Error)
	}
	return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
}

// ---------- key issue ----------

func newKeyIssueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "issue",
		Aliases: []string{"create"},
		Short:   "Issue a new API key",
		Long:    "Generate a new API key for the authenticated user. The raw key is shown once and cannot be retrieved again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			gc, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}

			var out struct {
				ID          string   `json:"id"`
				APIKey      string   `json:"apiKey"`
				ExpiresAt   string   `json:"expiresAt"`
				Permissions []string `json:"permissions"`
			}
			if err := gc.do(http.MethodPost, "/api/auth/api-key", &out); err != nil {
				return err
			}

			fmt.Println("API key issued:")
			fmt.Println()
			fmt.Printf("  Key:         %s\n", out.APIKey)
			fmt.Printf("  ID:          %s\n", out.ID)
			fmt.Printf("  Expires:     %s\n", out.ExpiresAt)
			fmt.Printf("  Permissions: %s\n", strings.Join(out.Permissions, ", "))
			fmt.Println()
			fmt.Println("  Save this key now - it cannot be retrieved again.")
			return nil
		},
	}

	return cmd
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List your API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			gc, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}

			var out struct {
				Data []struct {
					ID         string `json:"id"`
					KeyPreview string `json:"key_preview"`
					Name       string `json:"name"`
					IsActive   bool   `json:"is_active"`
					ExpiresAt  string `json:"expires_at"`
				} `json:"data"`
			}
			if err := gc.do(http.MethodGet, "/api/auth/api-keys", &out); err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out.Data)
			}

			if len(out.Data) == 0 {
				fmt.Println("No API keys. Use 'pooler key issue' to create one.")
				return nil
			}

			fmt.Printf("%-38s %-14s %-8s %-25s\n", "ID", "KEY", "ACTIVE", "EXPIRES")
			fmt.Printf("%-38s %-14s %-8s %-25s\n", "--", "---", "------", "-------")
			for _, k := range out.Data {
				active := "yes"
				if !k.IsActive {
					active = "no"
				}
				fmt.Printf("%-38s %-14s %-8s %-25s\n", k.ID, k.KeyPreview, active, k.ExpiresAt)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key by its record ID",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key. The ID is the UUID returned when the key was issued, not the key string.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gc, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}

			var out struct {
				Success bool   `json:"success"`
				Message string `json:"message"`
			}
			if err := gc.do(http.MethodDelete, "/api/auth/api-key/"+args[0], &out); err != nil {
				return err
			}

			fmt.Println(out.Message)
			return nil
		},
	}

	return cmd
}
