package main

import (
	"fmt"
	"strings"

	"signalwatch/model"
)

// renderPacksTable mirrors the teacher's renderFeedsTable column-width
// convention.
func renderPacksTable(summaries []packSummary) {
	if len(summaries) == 0 {
		warningColor.Println("no packs shipped")
		return
	}

	headerColor.Println("DETECTION PACKS")
	headerColor.Println(strings.Repeat("=", 60))
	fmt.Printf("%-24s %-14s %-8s %-8s\n", "PACK", "CATEGORY", "RULES", "ENABLED")
	fmt.Println(strings.Repeat("-", 60))

	for _, s := range summaries {
		enabled := "no"
		if s.Enabled {
			enabled = "yes"
		}
		fmt.Printf("%-24s %-14s %-8d %-8s\n", s.PackID, s.ID, s.RuleCount, enabled)
	}
	fmt.Println(strings.Repeat("=", 60))
}

// renderPackDetails lists every rule in a pack, grounded on the
// teacher's renderFeedDetails layout.
func renderPackDetails(pack model.DetectionPack) {
	headerColor.Printf("Pack: %s (%s)\n", pack.ID, pack.Category)
	if pack.Metadata.Version != "" {
		infoColor.Printf("  version %s", pack.Metadata.Version)
		if pack.Metadata.Author != "" {
			infoColor.Printf(" by %s", pack.Metadata.Author)
		}
		fmt.Println()
	}
	fmt.Println(strings.Repeat("-", 60))

	for _, rule := range pack.Rules {
		status := rule.Status
		statusColor := infoColor
		if !status.Evaluable() {
			statusColor = warningColor
		}
		fmt.Printf("  %-28s ", rule.ID)
		statusColor.Printf("[%s]", status)
		fmt.Printf(" severity=%s\n", rule.Severity)
		if rule.Description != "" {
			fmt.Printf("    %s\n", rule.Description)
		}
	}
}
