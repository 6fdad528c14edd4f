// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// studiod is the multi-agent platform daemon: process registry, IPC,
// message routing, approvals, and the workflow orchestrator behind one
// REST/WebSocket surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alicoding/studio-ai-sub007/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "studiod",
	Short:   "Studio AI multi-agent orchestration daemon",
	Long:    `studiod runs the Studio AI platform: it supervises Claude Code agent processes, routes @mention messages between them, and executes checkpointed multi-step workflows with human approval gates.`,
	Version: version.Get(),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the studiod version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
