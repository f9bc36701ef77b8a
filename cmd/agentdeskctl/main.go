package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/h1v3-io/agentdesk/internal/config"
	"github.com/h1v3-io/agentdesk/internal/dispatcher"
	"github.com/h1v3-io/agentdesk/internal/logbuf"
	"github.com/h1v3-io/agentdesk/internal/skill"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

var (
	apiURL    string
	apiPrefix string
	apiKey    string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentdeskctl",
		Short:         "Manage agents and tickets on an agentdeskd instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiURL, "url", envOr("AGENTDESK_API_URL", "http://localhost:8080"), "Daemon URL")
	root.PersistentFlags().StringVar(&apiPrefix, "prefix", envOr("AGENTDESK_API_PREFIX", config.DefaultAPIPrefix), "API route prefix")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("AGENTDESK_API_KEY"), "API key (bearer token)")

	root.AddCommand(
		healthCmd(),
		agentsCmd(),
		ticketsCmd(),
		sessionsCmd(),
		toolsCmd(),
		skillsCmd(),
		executorsCmd(),
		logsCmd(),
		configCmd(),
	)
	return root
}

func api() *client {
	return newClient(apiURL, apiPrefix, apiKey)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

// --- health ---

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := api().health()
			if err != nil {
				return err
			}
			fmt.Println(prettyJSON(body))
			return nil
		},
	}
}

// --- agents ---

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List, inspect and manage agents",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []*protocol.Agent
			if err := api().getJSON("/agents", nil, &agents); err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintln(w, "NAME\tID\tSCHEDULE\tTOOLS\tDESCRIPTION")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", a.Name, a.ID, orDash(a.Schedule), len(a.Tools), a.Description)
			}
			return w.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <id|name>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := api().do(http.MethodGet, "/agents/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			fmt.Println(prettyJSON(body))
			return nil
		},
	}

	var file string
	create := &cobra.Command{
		Use:   "create -f <agent.json|agent.yaml>",
		Short: "Create an agent from a JSON (comments allowed) or YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readAgentFile(file)
			if err != nil {
				return err
			}
			data, err := api().do(http.MethodPost, "/agents", nil, body)
			if err != nil {
				return err
			}
			var a protocol.Agent
			if err := json.Unmarshal(data, &a); err != nil {
				return err
			}
			fmt.Printf("%s agent %s (%s)\n", color.GreenString("created"), a.Name, a.ID)
			return nil
		},
	}
	create.Flags().StringVarP(&file, "file", "f", "", "Agent definition file")
	create.MarkFlagRequired("file")

	del := &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Delete an agent with no open tickets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := api().do(http.MethodDelete, "/agents/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Printf("%s agent %s\n", color.RedString("deleted"), args[0])
			return nil
		},
	}

	cmd.AddCommand(list, show, create, del)
	return cmd
}

// readAgentFile decodes an agent definition into a JSON-ready value.
// YAML goes through a generic map so the JSON field names apply.
func readAgentFile(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &v)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &v)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// --- tickets ---

func ticketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List, inspect and drive tickets",
	}

	var (
		status string
		agent  string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List tickets, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if agent != "" {
				q.Set("agent_id", agent)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var tickets []*protocol.Ticket
			if err := api().getJSON("/tickets", q, &tickets); err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tUPDATED\tERROR")
			for _, t := range tickets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, statusColor(t.Status), t.AgentID,
					t.UpdatedAt.Local().Format(time.DateTime), truncate(t.ErrorMessage, 60))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (pending|running|suspended|completed|failed)")
	list.Flags().StringVar(&agent, "agent", "", "Filter by agent id or name")
	list.Flags().IntVar(&limit, "limit", 50, "Max results (0 for all)")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a ticket with its sessions and steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := api().do(http.MethodGet, "/tickets/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			fmt.Println(prettyJSON(body))
			return nil
		},
	}

	var (
		createAgent string
		rawParams   []string
		rawContext  []string
	)
	create := &cobra.Command{
		Use:   "create --agent <name> [--param k=v]...",
		Short: "Open a ticket for an agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseKeyValues(rawParams)
			if err != nil {
				return err
			}
			taskContext, err := parseKeyValues(rawContext)
			if err != nil {
				return err
			}
			data, err := api().do(http.MethodPost, "/tickets", nil, map[string]any{
				"agent":   createAgent,
				"params":  params,
				"context": taskContext,
			})
			if err != nil {
				return err
			}
			return printTicket("created", data)
		},
	}
	create.Flags().StringVar(&createAgent, "agent", "", "Agent id or name")
	create.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "Ticket parameter as key=value (repeatable)")
	create.Flags().StringArrayVar(&rawContext, "context", nil, "Task context entry as key=value (repeatable)")
	create.MarkFlagRequired("agent")

	resume := ticketAction("resume", "Requeue a suspended ticket", http.MethodPost, "/resume")
	reset := ticketAction("reset", "Return a ticket to pending with fresh state", http.MethodPost, "/reset")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a ticket that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := api().do(http.MethodDelete, "/tickets/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Printf("%s ticket %s\n", color.RedString("deleted"), args[0])
			return nil
		},
	}

	message := &cobra.Command{
		Use:   "message <id> <text>",
		Short: "Answer a suspended ticket or add to a pending one",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := api().do(http.MethodPost, "/tickets/"+url.PathEscape(args[0])+"/messages", nil,
				map[string]string{"content": strings.Join(args[1:], " ")})
			if err != nil {
				return err
			}
			var resp struct {
				Ticket *protocol.Ticket `json:"ticket"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return err
			}
			if resp.Ticket != nil {
				fmt.Printf("message added; ticket %s is %s\n", resp.Ticket.ID, statusColor(resp.Ticket.Status))
			}
			return nil
		},
	}

	cmd.AddCommand(list, show, create, resume, reset, del, message)
	return cmd
}

func ticketAction(use, short, method, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := api().do(method, "/tickets/"+url.PathEscape(args[0])+suffix, nil, nil)
			if err != nil {
				return err
			}
			return printTicket(use, data)
		},
	}
}

func printTicket(verb string, data []byte) error {
	var t protocol.Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	fmt.Printf("%s ticket %s (agent %s, %s)\n", verb, t.ID, t.AgentID, statusColor(t.Status))
	return nil
}

// --- sessions ---

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect ticket sessions",
	}

	var ticketID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if ticketID != "" {
				q.Set("ticket_id", ticketID)
			}
			var sessions []*protocol.Session
			if err := api().getJSON("/sessions", q, &sessions); err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tTICKET\tSTATUS\tMESSAGES\tUPDATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.TicketID, s.Status, s.MessageCount,
					s.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&ticketID, "ticket", "", "Only sessions of this ticket")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session with its message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := api().do(http.MethodGet, "/sessions/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			fmt.Println(prettyJSON(body))
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

// --- tools and skills ---

func toolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool catalog",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List catalogued tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var tools []*protocol.ToolInfo
			if err := api().getJSON("/tools", nil, &tools); err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintln(w, "NAME\tDESCRIPTION")
			for _, t := range tools {
				fmt.Fprintf(w, "%s\t%s\n", t.Name, truncate(t.Description, 80))
			}
			return w.Flush()
		},
	}

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Refresh the catalog from the running tool registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := api().do(http.MethodPost, "/tools/sync", nil, nil)
			if err != nil {
				return err
			}
			fmt.Println(prettyJSON(body))
			return nil
		},
	}

	cmd.AddCommand(list, sync)
	return cmd
}

func skillsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List loaded skills",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var skills []*skill.Skill
			if err := api().getJSON("/skills", nil, &skills); err != nil {
				return err
			}
			w := newTable()
			fmt.Fprintln(w, "NAME\tTOOLS\tDESCRIPTION")
			for _, s := range skills {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, orDash(strings.Join(s.Tools, ",")), s.Description)
			}
			return w.Flush()
		},
	}
}

// --- executors and logs ---

func executorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "executors",
		Short: "List tickets with a live executor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var leases []dispatcher.Lease
			if err := api().getJSON("/executors", nil, &leases); err != nil {
				return err
			}
			if len(leases) == 0 {
				fmt.Println("no executors running")
				return nil
			}
			w := newTable()
			fmt.Fprintln(w, "TICKET\tSESSION\tRUNNING FOR")
			for _, l := range leases {
				fmt.Fprintf(w, "%s\t%s\t%s\n", l.TicketID, l.SessionID, time.Since(l.Started).Round(time.Second))
			}
			return w.Flush()
		},
	}
}

func logsCmd() *cobra.Command {
	var (
		level    string
		ticketID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if level != "" {
				q.Set("level", level)
			}
			if ticketID != "" {
				q.Set("ticket", ticketID)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var entries []logbuf.Entry
			if err := api().getJSON("/logs", q, &entries); err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s %s %s%s\n", e.Time.Local().Format(time.TimeOnly), levelColor(e.Level), e.Message, formatAttrs(e.Attrs))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "Minimum level (debug|info|warn|error)")
	cmd.Flags().StringVar(&ticketID, "ticket", "", "Only entries logged for this ticket")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max entries")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with daemon config files",
	}
	validate := &cobra.Command{
		Use:   "validate [path]",
		Short: "Load a config file, apply the environment and validate the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := os.Getenv("AGENTDESK_CONFIG")
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err == nil {
				err = cfg.ApplyEnv()
			}
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				fmt.Println(color.RedString("invalid"))
				return err
			}
			fmt.Printf("%s (executor %s, %d agents)\n", color.GreenString("config is valid"), cfg.Executor.Type, len(cfg.Agents))
			return nil
		},
	}
	cmd.AddCommand(validate)
	return cmd
}

// --- helpers ---

// parseKeyValues turns k=v pairs into a map. Values that parse as JSON
// (numbers, booleans, objects) keep their type; anything else is a string.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func statusColor(s protocol.TicketStatus) string {
	switch s {
	case protocol.TicketCompleted:
		return color.GreenString(string(s))
	case protocol.TicketFailed:
		return color.RedString(string(s))
	case protocol.TicketSuspended:
		return color.YellowString(string(s))
	case protocol.TicketRunning:
		return color.CyanString(string(s))
	}
	return string(s)
}

func levelColor(level string) string {
	padded := fmt.Sprintf("%-5s", strings.ToUpper(level))
	switch strings.ToLower(level) {
	case "error":
		return color.RedString(padded)
	case "warn":
		return color.YellowString(padded)
	case "debug":
		return color.New(color.Faint).Sprint(padded)
	}
	return padded
}

func formatAttrs(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, attrs[k])
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
