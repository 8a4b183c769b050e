package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/util"
)

func runCloseAllCycles(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("close-all-cycles", flag.ExitOnError)
	var botID, serverURL string
	fs.StringVar(&botID, "bot", "", "limit the close to one bot id")
	fs.StringVar(&serverURL, "server-url", "", "remote store base URL")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: botctl close-all-cycles [flags] ACCOUNT_ID")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("exactly one ACCOUNT_ID argument expected")
	}
	accountID := fs.Arg(0)

	client, err := connectRemote(ctx, serverURL)
	if err != nil {
		return err
	}
	bots, err := client.AccountBots(ctx, accountID)
	if err != nil {
		return fmt.Errorf("list bots for %s: %w", accountID, err)
	}
	bots = filterBots(bots, botID)
	if len(bots) == 0 {
		return fmt.Errorf("no matching bots on account %s", accountID)
	}

	fmt.Printf("Account %s:\n", accountID)
	for _, bot := range bots {
		fmt.Printf("  %s  %-22s %s\n", util.ShortID(bot.ID), bot.Strategy, bot.Name)
	}
	if !confirm(fmt.Sprintf("This closes every active cycle of %d bot(s) at market.", len(bots))) {
		fmt.Println("Aborted, nothing queued")
		return nil
	}

	for _, bot := range bots {
		_, err := client.CreateEvent(ctx, accountID, bot.ID, models.EventContent{
			EventType:   "close_all_cycles",
			Source:      models.SourceFlutterApp,
			Message:     "close all cycles via botctl",
			UserName:    "botctl",
			SentByAdmin: true,
		})
		if err != nil {
			return fmt.Errorf("queue close for bot %s: %w", bot.ID, err)
		}
		fmt.Printf("Queued close_all_cycles for bot %s (%s)\n", util.ShortID(bot.ID), bot.Name)
	}
	fmt.Println("The daemon picks the events up on its next poll")
	return nil
}

// filterBots narrows the list to one bot id when given.
func filterBots(bots []models.Bot, botID string) []models.Bot {
	if botID == "" {
		return bots
	}
	for _, bot := range bots {
		if bot.ID == botID {
			return []models.Bot{bot}
		}
	}
	return nil
}
