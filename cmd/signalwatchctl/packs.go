package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"signalwatch/model"
)

func newPacksCmd() *cobra.Command {
	packsCmd := &cobra.Command{
		Use:   "packs",
		Short: "List and manage detection packs",
	}

	packsCmd.AddCommand(newPacksListCmd())
	packsCmd.AddCommand(newPacksShowCmd())
	packsCmd.AddCommand(newPacksEnableCmd())
	packsCmd.AddCommand(newPacksDisableCmd())
	packsCmd.AddCommand(newPacksUpdateThresholdCmd())

	return packsCmd
}

// packSummary is the JSON/table shape for one pack's activation status
// within a tenant; it pairs the static catalog entry with whatever
// per-tenant row (if any) the activation store holds.
type packSummary struct {
	ID        model.PackCategory `json:"category"`
	PackID    string             `json:"packId"`
	RuleCount int                `json:"ruleCount"`
	Enabled   bool               `json:"enabled"`
}

func newPacksListCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List shipped detection packs and their activation status for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			d, cleanup, err := initDeps(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			activations, err := d.activationStore.GetActivations(ctx, tenant)
			if err != nil {
				return fmt.Errorf("load activations for tenant %s: %w", tenant, err)
			}
			enabledByID := make(map[string]bool, len(activations))
			for _, a := range activations {
				enabledByID[a.PackID] = a.Enabled
			}

			var summaries []packSummary
			for _, pack := range d.catalog.ListPacks() {
				summaries = append(summaries, packSummary{
					ID:        pack.Category,
					PackID:    pack.ID,
					RuleCount: len(pack.Rules),
					Enabled:   enabledByID[pack.ID],
				})
			}

			if outputJSON {
				return outputAsJSON(summaries)
			}
			renderPacksTable(summaries)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	return cmd
}

func newPacksShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <pack-id>",
		Short: "Show every rule in a pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			d, cleanup, err := initDeps(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			pack, ok := d.catalog.GetPackByID(args[0])
			if !ok {
				return fmt.Errorf("unknown pack %q", args[0])
			}

			if outputJSON {
				return outputAsJSON(pack)
			}
			renderPackDetails(pack)
			return nil
		},
	}
	return cmd
}

func newPacksEnableCmd() *cobra.Command {
	return newSetEnabledCmd("enable", "Enable", true)
}

func newPacksDisableCmd() *cobra.Command {
	return newSetEnabledCmd("disable", "Disable", false)
}

func newSetEnabledCmd(use, short string, enabled bool) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   use + " <pack-id>",
		Short: short + " a pack for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			packID := args[0]

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			d, cleanup, err := initDeps(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if _, ok := d.catalog.GetPackByID(packID); !ok {
				return fmt.Errorf("unknown pack %q", packID)
			}

			var s *spinner.Spinner
			if !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = fmt.Sprintf(" %sing %s for %s...", strings.TrimSuffix(use, "e"), packID, tenant)
				s.Start()
			}
			err = d.activationStore.SetEnabled(ctx, tenant, packID, enabled)
			if s != nil {
				s.Stop()
			}
			if err != nil {
				return fmt.Errorf("%s pack %s: %w", use, packID, err)
			}

			if !quiet {
				successColor.Printf("pack %s %sd for tenant %s\n", packID, use, tenant)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	return cmd
}

// newPacksUpdateThresholdCmd is the CLI caller of spec.md §6's
// updateThresholds(tenant, packId, thresholds) operation, narrowed to
// one rule id per invocation since a CLI flag set is a poor fit for an
// arbitrary ruleId->override map.
func newPacksUpdateThresholdCmd() *cobra.Command {
	var (
		tenant, ruleID, level string
		emailEnabled          bool
		emailEnabledSet       bool
		webhookEnabled        bool
		webhookEnabledSet     bool
	)

	cmd := &cobra.Command{
		Use:   "update-threshold <pack-id>",
		Short: "Override one rule's severity/notification flags for a tenant",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			emailEnabledSet = cmd.Flags().Changed("email-enabled")
			webhookEnabledSet = cmd.Flags().Changed("webhook-enabled")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			packID := args[0]
			if tenant == "" || ruleID == "" {
				return fmt.Errorf("--tenant and --rule are required")
			}
			var severity model.Severity
			if level != "" {
				severity = model.Severity(level)
				if !severity.Valid() {
					return fmt.Errorf("unknown severity %q", level)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			d, cleanup, err := initDeps(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			pack, ok := d.catalog.GetPackByID(packID)
			if !ok {
				return fmt.Errorf("unknown pack %q", packID)
			}
			if _, ok := pack.RuleByID(ruleID); !ok {
				return fmt.Errorf("pack %q has no rule %q", packID, ruleID)
			}

			activations, err := d.activationStore.GetActivations(ctx, tenant)
			if err != nil {
				return fmt.Errorf("load activations for tenant %s: %w", tenant, err)
			}
			var activation model.PackActivation
			found := false
			for _, a := range activations {
				if a.PackID == packID {
					activation = a
					found = true
					break
				}
			}
			if !found {
				activation = model.PackActivation{TenantID: tenant, PackID: packID, Enabled: true}
			}
			if activation.Overrides == nil {
				activation.Overrides = make(map[string]model.RuleOverride)
			}
			override := activation.Overrides[ruleID]
			if severity != "" {
				override.Level = severity
			}
			if emailEnabledSet {
				override.EmailEnabled = &emailEnabled
			}
			if webhookEnabledSet {
				override.WebhookEnabled = &webhookEnabled
			}
			activation.Overrides[ruleID] = override

			if err := d.activationStore.Upsert(ctx, activation); err != nil {
				return fmt.Errorf("update override for %s/%s: %w", packID, ruleID, err)
			}

			if !quiet {
				successColor.Printf("updated threshold for rule %s in pack %s for tenant %s\n", ruleID, packID, tenant)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&ruleID, "rule", "", "rule id within the pack (required)")
	cmd.Flags().StringVar(&level, "level", "", "severity to override to: informational|low|medium|high|critical")
	cmd.Flags().BoolVar(&emailEnabled, "email-enabled", false, "enable/disable email notifications for this rule override")
	cmd.Flags().BoolVar(&webhookEnabled, "webhook-enabled", false, "enable/disable webhook notifications for this rule override")
	return cmd
}
