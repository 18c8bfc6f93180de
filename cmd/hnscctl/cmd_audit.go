// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/hnsc/services/hnsc/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the append-only audit streams",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [stream...]",
	Short: "Re-walk the hash chain of each audit stream",
	Long: `Re-walks each stream file and recomputes every chained hash. With no
arguments, every stream configured under audit.streams is checked. A broken
chain reports the first offending line and fails the command.`,
	RunE: runAuditVerify,
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
}

func runAuditVerify(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	streams := args
	if len(streams) == 0 {
		streams = cfg.Audit.Streams
	}

	printHeader("Verifying %d stream(s) in %s", len(streams), cfg.Audit.Dir)
	broken := 0
	for _, stream := range streams {
		path := filepath.Join(cfg.Audit.Dir, stream+".ndjson")
		count, err := audit.VerifyFile(path)
		if err != nil {
			printWarning("%s: %v (%d valid event(s) before the break)", stream, err, count)
			broken++
			continue
		}
		printSuccess("%s: chain intact, %d event(s)", stream, count)
	}

	if broken > 0 {
		return fmt.Errorf("%d of %d stream(s) failed verification", broken, len(streams))
	}
	return nil
}
