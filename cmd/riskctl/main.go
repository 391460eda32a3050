// Command riskctl is the operator CLI for riskgate: schema migrations,
// bootstrap of identities and sessions, and read access to the audit trail.
package main

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

type client struct {
	BaseURL   string
	Token     string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "riskctl/"+version)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

// call performs a request and fails on non-2xx responses.
func (c *client) call(method, path string, body []byte) error {
	status, resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return fmt.Errorf("%s %s: status=%d body=%s", method, path, status, string(resp))
	}
	c.print(resp)
	return nil
}

func (c *client) print(body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	fmt.Println(string(body))
}

var version = "dev"

func main() {
	cl := &client{
		BaseURL:   envOr("RISKGATE_URL", "http://localhost:8080"),
		Token:     os.Getenv("RISKGATE_TOKEN"),
		OutFormat: envOr("RISKGATE_OUT", "text"),
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}

	root := &cobra.Command{
		Use:           "riskctl",
		Short:         "Operate a riskgate deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cl.BaseURL, "url", cl.BaseURL, "Base URL of the API (env RISKGATE_URL)")
	root.PersistentFlags().StringVar(&cl.Token, "token", cl.Token, "Session token (env RISKGATE_TOKEN)")
	root.PersistentFlags().StringVar(&cl.OutFormat, "out", cl.OutFormat, "Output format: json|text")

	root.AddCommand(
		migrateCmd(),
		identityCmd(),
		sessionCmd(),
		auditCmd(cl),
		policyCmd(cl),
		webhookCmd(cl),
		ipCmd(),
		fingerprintCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
