package cmd

import (
	"context"
	"fmt"
	"strings"
)

const usage = `copilot-gateway serves OpenAI and Anthropic clients from a GitHub Copilot subscription.

Usage:
  copilot-gateway <command> [flags]

Commands:
  serve    Start the HTTP server
  auth     Exchange the GitHub token for a Copilot token and show its status
  token    Mint a caller JWT for the gateway
  help     Show this help message

Run "copilot-gateway <command> --help" for command flags.`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "auth":
		return authenticate(ctx, args[1:])
	case "token":
		return mintToken(args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
