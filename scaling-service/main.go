// Copyright (c) 2022-2023 Whist Technologies, Inc.

/*
The scaling service assigns users to instances with free mandelbox capacity
and keeps a warm buffer of instances running on each enabled region. It runs
as a long lived service by default, and exposes operational subcommands to
upgrade images and force scaling passes.
*/
package main

import (
	"os"

	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
)

func main() {
	err := rootCmd.Execute()

	// Flush any buffered logs before exiting. Deferring this would skip
	// it on the error path because of os.Exit.
	logger.Close()

	if err != nil {
		os.Exit(1)
	}
}
