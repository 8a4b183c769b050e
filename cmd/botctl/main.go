// Command botctl is the operational companion to the orchestrator daemon:
// it patches bot configs, queues bulk cycle closes and repairs order drift
// against the terminal, all without restarting the daemon.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/dryousufmesalm/bot-app-sub002/internal/remote"
)

const defaultServerURL = "http://127.0.0.1:8090"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	// .env carries the remote credentials so they never land in shell history.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd := os.Args[1]; cmd {
	case "update-bot-config":
		err = runUpdateBotConfig(ctx, os.Args[2:])
	case "close-all-cycles":
		err = runCloseAllCycles(ctx, os.Args[2:])
	case "recover-orders":
		err = runRecoverOrders(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: botctl <command> [flags] [args]

Commands:
  update-bot-config   patch one bot's strategy config in the remote store
  close-all-cycles    queue a close of every active cycle on an account
  recover-orders      inspect or repair order state against the terminal

Run 'botctl <command> -h' for the command's flags.

The remote store is addressed by --server-url, POCKETBASE_URL or the
default ` + defaultServerURL + `. Credentials come from REMOTE_IDENTITY
and REMOTE_PASSWORD (a .env file in the working directory is loaded).
`)
}

// connectRemote authenticates against the remote store using the
// environment credentials. serverURL wins over POCKETBASE_URL.
func connectRemote(ctx context.Context, serverURL string) (*remote.Client, error) {
	if serverURL == "" {
		serverURL = os.Getenv("POCKETBASE_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	identity := os.Getenv("REMOTE_IDENTITY")
	password := os.Getenv("REMOTE_PASSWORD")
	if identity == "" || password == "" {
		return nil, fmt.Errorf("REMOTE_IDENTITY and REMOTE_PASSWORD must be set")
	}

	client := remote.NewClient(serverURL, os.Getenv("REMOTE_AUTH_COLLECTION"), quietLogger())
	if err := client.Authenticate(ctx, identity, password); err != nil {
		return nil, fmt.Errorf("authenticate with %s: %w", serverURL, err)
	}
	return client, nil
}

// quietLogger keeps library chatter off the CLI's stdout.
func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// confirm prints the prompt and requires a literal yes from stdin.
func confirm(prompt string) bool {
	fmt.Printf("%s Type 'yes' to continue: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}
