package main

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type principalResult struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
	RemovedAt string `json:"removed_at"`
}

// principalsCmd はプリンシパル管理のコマンド群。
func principalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "principals",
		Short: "Manage users and devices",
	}
	cmd.AddCommand(principalsAddCmd())
	cmd.AddCommand(principalsListCmd())
	cmd.AddCommand(principalsRemoveCmd())
	return cmd
}

func principalsAddCmd() *cobra.Command {
	var kind, publicKey string
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a principal with its X25519 public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := base64.StdEncoding.DecodeString(publicKey)
			if err != nil {
				return fmt.Errorf("--public-key must be base64: %w", err)
			}
			body, err := call(http.MethodPost, "/v1/principals", map[string]any{
				"id":         args[0],
				"kind":       kind,
				"public_key": key,
			}, http.StatusCreated)
			if err != nil {
				return err
			}
			var p principalResult
			return printResult(cmd, body, &p, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s %q\n", p.Kind, p.ID)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "user", "Principal kind: user, device")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "Base64 X25519 public key (required)")
	cmd.MarkFlagRequired("public-key")
	return cmd
}

func principalsListCmd() *cobra.Command {
	var includeRemoved bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List principals",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/principals"
			if includeRemoved {
				path += "?include_removed=true"
			}
			body, err := call(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			var result struct {
				Principals []principalResult `json:"principals"`
			}
			return printResult(cmd, body, &result, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tCREATED_AT\tREMOVED_AT")
				for _, p := range result.Principals {
					removed := "-"
					if p.RemovedAt != "" {
						removed = p.RemovedAt
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Kind, p.CreatedAt, removed)
				}
				w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&includeRemoved, "include-removed", false, "Include removed principals")
	return cmd
}

func principalsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a principal and rotate every class it could read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(http.MethodDelete, "/v1/principals/"+url.PathEscape(args[0]), nil, http.StatusAccepted)
			if err != nil {
				return err
			}
			return printResult(cmd, body, nil, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %q; rotations have been scheduled\n", args[0])
			})
		},
	}
}

// bindCmd はロール付与のコマンド。
func bindCmd() *cobra.Command {
	var role, scope string
	cmd := &cobra.Command{
		Use:   "bind <principal>",
		Short: "Bind a role to a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/principals/%s/bindings/%s", url.PathEscape(args[0]), url.PathEscape(scope))
			body, err := call(http.MethodPut, path, map[string]string{"role": role}, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, nil, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "Bound %s on %s to %q\n", role, scope, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "Role: admin, member, viewer (required)")
	cmd.Flags().StringVar(&scope, "scope", "*", "Resource class or * for all")
	cmd.MarkFlagRequired("role")
	return cmd
}

// unbindCmd はロール解除のコマンド。
func unbindCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "unbind <principal>",
		Short: "Remove a role binding and rotate the affected classes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/principals/%s/bindings/%s", url.PathEscape(args[0]), url.PathEscape(scope))
			body, err := call(http.MethodDelete, path, nil, http.StatusAccepted)
			if err != nil {
				return err
			}
			return printResult(cmd, body, nil, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "Unbound %q from %s\n", args[0], scope)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "Resource class or * for all (required)")
	cmd.MarkFlagRequired("scope")
	return cmd
}
