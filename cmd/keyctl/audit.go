package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// auditCmd は監査ログのコマンド群。
func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the hash-chained audit ledger",
	}
	cmd.AddCommand(auditListCmd())
	cmd.AddCommand(auditVerifyCmd())
	cmd.AddCommand(auditResumeCmd())
	return cmd
}

func auditListCmd() *cobra.Command {
	var action, class, subject string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if action != "" {
				q.Set("action", action)
			}
			if class != "" {
				q.Set("class", class)
			}
			if subject != "" {
				q.Set("subject", subject)
			}
			q.Set("limit", strconv.Itoa(limit))

			body, err := call(http.MethodGet, "/v1/audit?"+q.Encode(), nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Records []struct {
					Sequence      uint64 `json:"sequence"`
					Action        string `json:"action"`
					Actor         string `json:"actor"`
					Subject       string `json:"subject"`
					ResourceClass string `json:"resource_class"`
					Timestamp     string `json:"timestamp"`
				} `json:"records"`
			}
			return printResult(cmd, body, &result, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "SEQ\tTIMESTAMP\tACTION\tACTOR\tSUBJECT\tCLASS")
				for _, r := range result.Records {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", r.Sequence, r.Timestamp, r.Action, r.Actor, dash(r.Subject), dash(r.ResourceClass))
				}
				w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "Filter by action")
	cmd.Flags().StringVar(&class, "class", "", "Filter by resource class")
	cmd.Flags().StringVar(&subject, "subject", "", "Filter by affected principal")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of records")
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	var from, to uint64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain over a range of records",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/audit/verify?from=%d&to=%d", from, to)
			body, err := call(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Valid       bool   `json:"valid"`
				FirstBroken uint64 `json:"first_broken"`
				Halted      bool   `json:"halted"`
			}
			if err := printResult(cmd, body, &result, func() {
				if result.Valid {
					fmt.Fprintln(cmd.OutOrStdout(), "Audit chain is intact.")
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Audit chain is broken at sequence %d.\n", result.FirstBroken)
				}
				if result.Halted {
					fmt.Fprintln(cmd.OutOrStdout(), "Ledger writes are halted; run 'keyctl audit resume' once repaired.")
				}
			}); err != nil {
				return err
			}
			if output != "json" && !result.Valid {
				return fmt.Errorf("Error: audit chain verification failed")
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "First sequence (default: 1)")
	cmd.Flags().Uint64Var(&to, "to", 0, "Last sequence (default: head)")
	return cmd
}

func auditResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume ledger writes after the full chain verifies",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodPost, "/v1/audit/resume", nil, http.StatusNoContent)
			if err != nil {
				return err
			}
			return printResult(cmd, body, nil, func() {
				fmt.Fprintln(cmd.OutOrStdout(), "Audit ledger resumed.")
			})
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
