// Package main is the entry point for the analytica command.
//
// analytica runs analysis scripts generated by a language model against the
// vacancies dataset. Scripts are validated against the execution policy and
// then executed in short-lived worker processes with hard time, memory and
// output limits.
//
// Commands:
//
//	analytica serve          run the MCP server (stdio or http) and metrics endpoint
//	analytica check <file>   validate a script and print the verdict
//	analytica run <file>     validate and execute a script, print the outcome
//
// The hidden worker command is the worker process the governor starts for
// each execution; it reads one request frame on stdin.
//
// The serve command uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// exitError ends the process with code without printing anything more.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
