package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/util"
)

// configFlags holds the update-bot-config overrides. set records which flags
// the user actually passed; zero values are never applied implicitly.
type configFlags struct {
	symbol     string
	zone       float64
	orderStep  float64
	lotSize    float64
	maxCycles  int
	takeProfit float64
	stopLoss   float64
	configFile string
	serverURL  string
	set        map[string]bool
}

func runUpdateBotConfig(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("update-bot-config", flag.ExitOnError)
	var f configFlags
	fs.StringVar(&f.symbol, "symbol", "", "switch the bot to this symbol")
	fs.Float64Var(&f.zone, "zone-threshold", 0, "reversal zone threshold in pips")
	fs.Float64Var(&f.orderStep, "order-interval", 0, "grid spacing between orders in pips")
	fs.Float64Var(&f.lotSize, "lot-size", 0, "order volume in lots")
	fs.IntVar(&f.maxCycles, "max-cycles", 0, "maximum concurrent cycles")
	fs.Float64Var(&f.takeProfit, "take-profit", 0, "cycle take-profit in the configured sltp unit")
	fs.Float64Var(&f.stopLoss, "stop-loss", 0, "stop-loss in the configured sltp unit")
	fs.StringVar(&f.configFile, "config-file", "", "JSON file merged into the bot's config map")
	fs.StringVar(&f.serverURL, "server-url", "", "remote store base URL")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: botctl update-bot-config [flags] BOT_ID")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("exactly one BOT_ID argument expected")
	}
	botID := fs.Arg(0)

	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	if len(f.set) == 0 || (len(f.set) == 1 && f.set["server-url"]) {
		return fmt.Errorf("nothing to update, pass at least one config flag")
	}

	client, err := connectRemote(ctx, f.serverURL)
	if err != nil {
		return err
	}
	bot, err := client.Bot(ctx, botID)
	if err != nil {
		return fmt.Errorf("fetch bot %s: %w", botID, err)
	}

	cfg, err := mergedConfig(bot.Config, f)
	if err != nil {
		return err
	}
	if err := client.UpdateBotConfig(ctx, bot.ID, f.symbol, cfg); err != nil {
		return fmt.Errorf("update bot %s: %w", botID, err)
	}

	// The daemon only reloads on an update_bot event, not on the raw write.
	_, err = client.CreateEvent(ctx, bot.AccountID, bot.ID, models.EventContent{
		EventType:   "update_bot",
		Source:      models.SourceFlutterApp,
		Message:     "config updated via botctl",
		UserName:    "botctl",
		SentByAdmin: true,
	})
	if err != nil {
		return fmt.Errorf("queue update event: %w", err)
	}

	fmt.Printf("Updated bot %s (%s), %d config keys, reload queued\n",
		util.ShortID(bot.ID), bot.Name, len(cfg))
	return nil
}

// mergedConfig layers the config file and then the explicitly set flags over
// the bot's current config map. Flag names map onto the engine's config keys.
func mergedConfig(base models.ConfigMap, f configFlags) (models.ConfigMap, error) {
	cfg := models.ConfigMap{}
	for k, v := range base {
		cfg[k] = v
	}

	if f.configFile != "" {
		data, err := os.ReadFile(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var overlay map[string]interface{}
		if err := json.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.configFile, err)
		}
		for k, v := range overlay {
			cfg[k] = v
		}
	}

	if f.set["zone-threshold"] {
		cfg["zone"] = f.zone
	}
	if f.set["order-interval"] {
		cfg["pips_step"] = f.orderStep
	}
	if f.set["lot-size"] {
		cfg["lot_size"] = f.lotSize
	}
	if f.set["max-cycles"] {
		cfg["max_cycles"] = f.maxCycles
	}
	if f.set["take-profit"] {
		cfg["take_profit"] = f.takeProfit
	}
	if f.set["stop-loss"] {
		cfg["stop_loss"] = f.stopLoss
	}
	return cfg, nil
}
