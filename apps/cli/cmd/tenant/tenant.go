// Package tenant drives the control-plane tenant lifecycle over its HTTP
// API. Every command needs a super-admin token (see `narthex auth token`).
package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const requestTimeout = 5 * time.Minute // tenant creation provisions a database

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Command groups tenant lifecycle helpers.
func Command() *cobra.Command {
	var (
		apiURL string
		token  string
	)

	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant lifecycle (create/list/suspend/rotate/audit)",
	}
	cmd.PersistentFlags().StringVar(&apiURL, "api", "", "control-plane base URL (defaults to NARTHEX_API_URL or http://localhost:8080)")
	cmd.PersistentFlags().StringVar(&token, "token", "", "super-admin bearer token (defaults to NARTHEX_ADMIN_TOKEN)")

	newClient := func() (*client, error) {
		if apiURL == "" {
			apiURL = os.Getenv("NARTHEX_API_URL")
		}
		if apiURL == "" {
			apiURL = "http://localhost:8080"
		}
		if token == "" {
			token = os.Getenv("NARTHEX_ADMIN_TOKEN")
		}
		if token == "" {
			return nil, errors.New("admin token required: pass --token or set NARTHEX_ADMIN_TOKEN")
		}
		return &client{
			baseURL: strings.TrimRight(apiURL, "/"),
			token:   token,
			http:    &http.Client{Timeout: requestTimeout},
		}, nil
	}

	cmd.AddCommand(createCommand(newClient))
	cmd.AddCommand(listCommand(newClient))
	cmd.AddCommand(getCommand(newClient))
	cmd.AddCommand(actionCommand(newClient, "suspend", "Suspend a tenant (resolve starts failing)"))
	cmd.AddCommand(actionCommand(newClient, "unsuspend", "Reactivate a suspended tenant"))
	cmd.AddCommand(rotateCommand(newClient))
	cmd.AddCommand(auditCommand(newClient))
	return cmd
}

func createCommand(newClient func() (*client, error)) *cobra.Command {
	var (
		slug           string
		name           string
		adminEmail     string
		adminName      string
		idempotencyKey string
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Provision a new tenant (control row, database, collection, seeded admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := newClient()
			if err != nil {
				return err
			}
			if idempotencyKey == "" {
				idempotencyKey = uuid.NewString()
			}
			body := map[string]string{
				"slug":        slug,
				"name":        name,
				"admin_email": adminEmail,
			}
			if adminName != "" {
				body["admin_name"] = adminName
			}
			var result json.RawMessage
			err = cl.do(cmd.Context(), http.MethodPost, "/v1/tenants", body, idempotencyKey, &result)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	c.Flags().StringVar(&slug, "slug", "", "URL-safe tenant identifier")
	c.Flags().StringVar(&name, "name", "", "display name")
	c.Flags().StringVar(&adminEmail, "admin-email", "", "seeded admin email")
	c.Flags().StringVar(&adminName, "admin-name", "", "seeded admin display name")
	c.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "retry-safe key; generated when omitted")
	_ = c.MarkFlagRequired("slug")
	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("admin-email")
	return c
}

func listCommand(newClient func() (*client, error)) *cobra.Command {
	var limit, offset int

	c := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := newClient()
			if err != nil {
				return err
			}
			var result json.RawMessage
			path := fmt.Sprintf("/v1/tenants?limit=%d&offset=%d", limit, offset)
			if err := cl.do(cmd.Context(), http.MethodGet, path, nil, "", &result); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	c.Flags().IntVar(&limit, "limit", 50, "page size")
	c.Flags().IntVar(&offset, "offset", 0, "page offset")
	return c
}

func getCommand(newClient func() (*client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "get <tenant-id>",
		Short: "Show one tenant, including its provisioning state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := newClient()
			if err != nil {
				return err
			}
			var result json.RawMessage
			if err := cl.do(cmd.Context(), http.MethodGet, "/v1/tenants/"+args[0], nil, "", &result); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func actionCommand(newClient func() (*client, error), verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <tenant-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := newClient()
			if err != nil {
				return err
			}
			var result json.RawMessage
			path := "/v1/tenants/" + args[0] + "/" + verb
			if err := cl.do(cmd.Context(), http.MethodPost, path, nil, "", &result); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func rotateCommand(newClient func() (*client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-secrets <tenant-id>",
		Short: "Mint and swap the tenant's database credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := newClient()
			if err != nil {
				return err
			}
			path := "/v1/tenants/" + args[0] + "/rotate-secrets"
			if err := cl.do(cmd.Context(), http.MethodPost, path, nil, "", nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rotated")
			return nil
		},
	}
}

func auditCommand(newClient func() (*client, error)) *cobra.Command {
	var limit int

	c := &cobra.Command{
		Use:   "audit <tenant-id>",
		Short: "Tail the tenant's audit trail, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := newClient()
			if err != nil {
				return err
			}
			var result json.RawMessage
			path := fmt.Sprintf("/v1/tenants/%s/audit?limit=%d", args[0], limit)
			if err := cl.do(cmd.Context(), http.MethodGet, path, nil, "", &result); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	c.Flags().IntVar(&limit, "limit", 20, "number of events")
	return c
}

// do performs one authenticated request and decodes either the success body
// into out or the control plane's error envelope into a readable error.
func (c *client) do(ctx context.Context, method, path string, body any, idempotencyKey string, out *json.RawMessage) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var envelope struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
			if envelope.Detail != "" {
				return fmt.Errorf("%s: %s", envelope.Error, envelope.Detail)
			}
			return errors.New(envelope.Error)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		*out = raw
	}
	return nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, werr := w.Write(raw)
		return werr
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
