// Command tunequiz signs in to the quiz backend and issues authenticated
// requests from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mnehpets/tunequiz/auth"
	"github.com/mnehpets/tunequiz/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(&app{}).ExecuteContext(ctx)
	stop()
	_ = logging.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorText(err))
		os.Exit(1)
	}
}

// errorText prefers the user-facing message for auth failures.
func errorText(err error) string {
	if auth.KindOf(err) != auth.KindUnknown {
		return "Error: " + auth.UserMessage(err)
	}
	return "Error: " + err.Error()
}
