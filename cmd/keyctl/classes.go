package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type rotationResult struct {
	ID            string   `json:"id"`
	ResourceClass string   `json:"resource_class"`
	Trigger       string   `json:"trigger"`
	Actor         string   `json:"actor"`
	State         string   `json:"state"`
	OldVersion    uint64   `json:"old_version"`
	NewVersion    uint64   `json:"new_version"`
	Granted       []string `json:"granted"`
	Revoked       []string `json:"revoked"`
	FailedAt      string   `json:"failed_at"`
	Cause         string   `json:"cause"`
	StartedAt     string   `json:"started_at"`
}

// classesCmd はリソースクラス一覧のコマンド。
func classesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "List resource classes and their current key version",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, "/v1/classes", nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Classes []struct {
					ResourceClass  string `json:"resource_class"`
					CurrentVersion uint64 `json:"current_version"`
					Rotating       string `json:"rotating"`
				} `json:"classes"`
			}
			return printResult(cmd, body, &result, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "CLASS\tCURRENT\tROTATING")
				for _, c := range result.Classes {
					current, rotating := "-", "-"
					if c.CurrentVersion > 0 {
						current = fmt.Sprint(c.CurrentVersion)
					}
					if c.Rotating != "" {
						rotating = c.Rotating
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", c.ResourceClass, current, rotating)
				}
				w.Flush()
			})
		},
	}
}

// initCmd はクラス初期化のコマンド。
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <class>",
		Short: "Create the first key version of a resource class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRotation(cmd, args[0], "init")
		},
	}
}

// rotateCmd はローテーションのコマンド。完了まで待つ。
func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <class>",
		Short: "Rotate the key of a resource class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRotation(cmd, args[0], "rotate")
		},
	}
}

func runRotation(cmd *cobra.Command, class, action string) error {
	body, err := call(http.MethodPost, fmt.Sprintf("/v1/classes/%s/%s", url.PathEscape(class), action), nil, http.StatusCreated)
	if err != nil {
		return err
	}
	var rot rotationResult
	return printResult(cmd, body, &rot, func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Class %q is now at version %d (rotation %s)\n", rot.ResourceClass, rot.NewVersion, rot.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "  granted: %s\n", strings.Join(rot.Granted, ", "))
		if len(rot.Revoked) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "  revoked: %s\n", strings.Join(rot.Revoked, ", "))
		}
	})
}

// abortCmd は実行中ローテーションの中断コマンド。
func abortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <class>",
		Short: "Abort the rotation in progress for a resource class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodPost, fmt.Sprintf("/v1/classes/%s/abort", url.PathEscape(args[0])), nil, http.StatusAccepted)
			if err != nil {
				return err
			}
			return printResult(cmd, body, nil, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "Abort requested for %q\n", args[0])
			})
		},
	}
}

// versionsCmd は鍵バージョン一覧のコマンド。
func versionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <class>",
		Short: "List key versions of a resource class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodGet, fmt.Sprintf("/v1/classes/%s/versions", url.PathEscape(args[0])), nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Versions []struct {
					Version      uint64 `json:"version"`
					Status       string `json:"status"`
					CreatedAt    string `json:"created_at"`
					SupersededAt string `json:"superseded_at"`
				} `json:"versions"`
			}
			return printResult(cmd, body, &result, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "VERSION\tSTATUS\tCREATED_AT\tSUPERSEDED_AT")
				for _, v := range result.Versions {
					superseded := "-"
					if v.SupersededAt != "" {
						superseded = v.SupersededAt
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", v.Version, v.Status, v.CreatedAt, superseded)
				}
				w.Flush()
			})
		},
	}
}

// rotationsCmd はローテーション履歴のコマンド。
func rotationsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "rotations <class>",
		Short: "Show rotation history of a resource class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/classes/%s/rotations?limit=%d", url.PathEscape(args[0]), limit)
			body, err := call(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Rotations []rotationResult `json:"rotations"`
			}
			return printResult(cmd, body, &result, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "ID\tTRIGGER\tSTATE\tVERSION\tSTARTED_AT\tCAUSE")
				for _, r := range result.Rotations {
					state := r.State
					if r.FailedAt != "" {
						state = fmt.Sprintf("%s@%s", r.State, r.FailedAt)
					}
					cause := "-"
					if r.Cause != "" {
						cause = r.Cause
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d->%d\t%s\t%s\n", r.ID, r.Trigger, state, r.OldVersion, r.NewVersion, r.StartedAt, cause)
				}
				w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of rotations")
	return cmd
}
