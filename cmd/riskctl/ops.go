package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/mbd888/riskgate/internal/config"
	"github.com/mbd888/riskgate/internal/fingerprint"
	"github.com/mbd888/riskgate/internal/ipcheck"
	"github.com/mbd888/riskgate/internal/realtime"
)

func auditCmd(cl *client) *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Read the audit trail"}

	var (
		userID, action, status, ip, since, cursor string
		limit                                     int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit records (GET /v1/audit)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for k, v := range map[string]string{
				"userId": userID, "action": action, "status": status,
				"ipAddress": ip, "startDate": since, "cursor": cursor,
			} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			return cl.call(http.MethodGet, "/v1/audit?"+q.Encode(), nil)
		},
	}
	list.Flags().StringVar(&userID, "user", "", "Filter by identity ID")
	list.Flags().StringVar(&action, "action", "", "Filter by action substring")
	list.Flags().StringVar(&status, "status", "", "Filter by status")
	list.Flags().StringVar(&ip, "ip", "", "Filter by IP address")
	list.Flags().StringVar(&since, "since", "", "Start date (RFC 3339 or YYYY-MM-DD)")
	list.Flags().StringVar(&cursor, "cursor", "", "Continue from a previous page")
	list.Flags().IntVar(&limit, "limit", 0, "Page size")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the audit trail (GET /v1/audit/stats)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(http.MethodGet, "/v1/audit/stats", nil)
		},
	}

	var sub realtime.Subscription
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Stream audit events as they are recorded",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tailAudit(cl, sub)
		},
	}
	tail.Flags().BoolVar(&sub.DenialsOnly, "denials", false, "Only BLOCKED and FAILED records")
	tail.Flags().StringSliceVar(&sub.Actions, "action", nil, "Action to include (repeatable)")
	tail.Flags().StringVar(&sub.IdentityID, "user", "", "Only records for this identity")
	tail.Flags().StringVar(&sub.IPAddress, "ip", "", "Only records from this IP")

	cmd.AddCommand(list, stats, tail)
	return cmd
}

// tailAudit dials the audit stream, authenticating with the session token
// in the Authorization header, and prints events until interrupted.
func tailAudit(cl *client, sub realtime.Subscription) error {
	u, err := url.Parse(strings.TrimRight(cl.BaseURL, "/") + "/v1/audit/stream")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+cl.Token)
	h.Set("User-Agent", "riskctl/"+version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial audit stream: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial audit stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("send subscription: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		var ev realtime.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		printEvent(cl.OutFormat, &ev)
	}
}

func printEvent(format string, ev *realtime.Event) {
	if format == "json" {
		b, _ := json.Marshal(ev)
		fmt.Println(string(b))
		return
	}
	r := ev.Record
	if r == nil {
		return
	}
	fmt.Printf("%s %-8s %-24s %-10s user=%s ip=%s\n",
		r.CreatedAt.Format(time.RFC3339), ev.Type, r.Action, r.Status, r.IdentityID, r.IPAddress)
}

func policyCmd(cl *client) *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage per-route gate policies"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List route policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(http.MethodGet, "/v1/admin/policies", nil)
		},
	}

	var (
		requireMFA bool
		minRisk    int
		roles      []string
		mode       string
		disabled   bool
	)
	set := &cobra.Command{
		Use:   "set <METHOD /path>",
		Short: "Create or replace the policy of a route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := !disabled
			body, err := json.Marshal(map[string]any{
				"route": args[0],
				"options": map[string]any{
					"requireMfa":   requireMFA,
					"minRiskScore": minRisk,
					"allowedRoles": roles,
				},
				"enabled":         enabled,
				"enforcementMode": mode,
			})
			if err != nil {
				return err
			}
			return cl.call(http.MethodPut, "/v1/admin/policies", body)
		},
	}
	set.Flags().BoolVar(&requireMFA, "require-mfa", false, "Require MFA enrolment")
	set.Flags().IntVar(&minRisk, "min-risk-score", 0, "Deny REVIEW recommendations at or above this score")
	set.Flags().StringSliceVar(&roles, "role", nil, "Allowed role (repeatable)")
	set.Flags().StringVar(&mode, "mode", "enforce", "Enforcement mode: enforce|shadow")
	set.Flags().BoolVar(&disabled, "disabled", false, "Store the policy disabled")

	del := &cobra.Command{
		Use:   "delete <METHOD /path>",
		Short: "Remove the policy of a route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(http.MethodDelete, "/v1/admin/policies?route="+url.QueryEscape(args[0]), nil)
		},
	}

	cmd.AddCommand(list, set, del)
	return cmd
}

// ipCmd checks addresses against the lists configured in the environment,
// the same way the gate does.
func ipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ip <address>...",
		Short: "Check addresses against TRUSTED_IPS, BLACKLISTED_IPS and WHITELISTED_IPS",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			checker, err := ipcheck.NewChecker(ipcheck.Lists{
				Trusted:     cfg.TrustedIPs,
				Blacklisted: cfg.BlacklistedIPs,
				Whitelisted: cfg.WhitelistedIPs,
			})
			if err != nil {
				return err
			}
			for _, ip := range args {
				res := checker.Check(cmd.Context(), ip, "")
				b, _ := json.Marshal(res)
				fmt.Printf("%s %s\n", ip, b)
			}
			return nil
		},
	}
}

func fingerprintCmd() *cobra.Command {
	var (
		headers []string
		compare string
	)
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Compute the device fingerprint of a header set",
		Example: `  riskctl fingerprint -H "User-Agent: Mozilla/5.0" -H "Accept-Language: tr-TR"
  riskctl fingerprint -H "User-Agent: Mozilla/5.0" --compare 3f2a...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			h := http.Header{}
			for _, raw := range headers {
				k, v, ok := strings.Cut(raw, ":")
				if !ok {
					return fmt.Errorf("header %q: expected \"Name: value\"", raw)
				}
				h.Add(strings.TrimSpace(k), strings.TrimSpace(v))
			}
			out := cmd.OutOrStdout()
			fp := fingerprint.Generate(h)
			fmt.Fprintln(out, fp)
			fmt.Fprintln(out, fingerprint.DeviceInfo(h))
			if compare != "" {
				fmt.Fprintf(out, "similarity %.2f\n", fingerprint.Similarity(fp, strings.ToLower(strings.TrimSpace(compare))))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Header as \"Name: value\" (repeatable)")
	cmd.Flags().StringVar(&compare, "compare", "", "Known fingerprint to compare against")
	return cmd
}

func webhookCmd(cl *client) *cobra.Command {
	cmd := &cobra.Command{Use: "webhook", Short: "Manage security alert webhooks"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List alert subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(http.MethodGet, "/v1/admin/webhooks", nil)
		},
	}

	var events []string
	add := &cobra.Command{
		Use:   "add <url>",
		Short: "Subscribe a URL to alerts; prints the signing secret once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]any{"url": args[0], "events": events})
			if err != nil {
				return err
			}
			return cl.call(http.MethodPost, "/v1/admin/webhooks", body)
		},
	}
	add.Flags().StringSliceVar(&events, "event", []string{"transfer.blocked", "auth.lockout"}, "Alert type (repeatable)")

	test := &cobra.Command{
		Use:   "test <id>",
		Short: "Send a test event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(http.MethodPost, "/v1/admin/webhooks/"+url.PathEscape(args[0])+"/test", nil)
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(http.MethodDelete, "/v1/admin/webhooks/"+url.PathEscape(args[0]), nil)
		},
	}

	cmd.AddCommand(list, add, test, del)
	return cmd
}
