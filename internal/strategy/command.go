package strategy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
)

// CommandKind names one user command routed to a strategy loop.
type CommandKind string

// Loop commands, matching the event_type field of remote events. Bot
// lifecycle events (create_bot, update_bot, delete_bot) are handled by the
// supervisor and never reach a loop.
const (
	CmdOpenOrder             CommandKind = "open_order"
	CmdCloseCycle            CommandKind = "close_cycle"
	CmdCloseAllCycles        CommandKind = "close_all_cycles"
	CmdCloseOrder            CommandKind = "close_order"
	CmdClosePendingOrder     CommandKind = "close_pending_order"
	CmdCloseAllPendingOrders CommandKind = "close_all_pending_orders"
	CmdUpdateOrderConfigs    CommandKind = "update_order_configs"
	CmdStopBot               CommandKind = "stop_bot"
	CmdStartBot              CommandKind = "start_bot"
)

// ErrUnknownCommand marks event types no loop command corresponds to.
var ErrUnknownCommand = errors.New("unknown command")

// Command is one parsed user instruction. Fields beyond Kind are populated
// per command: Side and Price for open_order, CycleID or AllCycles for
// close_cycle, Ticket for the order commands. The order config values mean
// "leave unchanged" when below zero.
type Command struct {
	Kind CommandKind

	Side      models.CycleKind
	Price     float64
	CycleID   string
	AllCycles bool
	Ticket    uint64

	StopLoss   float64
	TakeProfit float64
	Trailing   float64

	UserID      string
	UserName    string
	SentByAdmin bool
}

// ParseCommand extracts the loop command carried by an event. Unknown event
// types return ErrUnknownCommand so the router can log and drop them.
func ParseCommand(content models.EventContent) (Command, error) {
	cmd := Command{
		Kind:        CommandKind(content.EventType),
		StopLoss:    -1,
		TakeProfit:  -1,
		Trailing:    -1,
		UserID:      content.UserID,
		UserName:    content.UserName,
		SentByAdmin: content.SentByAdmin,
	}

	switch cmd.Kind {
	case CmdOpenOrder:
		side, err := parseSide(content)
		if err != nil {
			return Command{}, err
		}
		cmd.Side = side
		cmd.Price = content.DetailFloat("price", 0)
	case CmdCloseCycle:
		id := content.DetailString("cycle_id")
		if id == "" {
			id = content.DetailString("cycle")
		}
		switch {
		case strings.EqualFold(id, "all"):
			cmd.AllCycles = true
		case id == "":
			return Command{}, errors.New("close_cycle: missing cycle id")
		default:
			cmd.CycleID = id
		}
	case CmdCloseOrder, CmdClosePendingOrder:
		cmd.Ticket = content.DetailUint("ticket")
		if cmd.Ticket == 0 {
			return Command{}, fmt.Errorf("%s: missing ticket", cmd.Kind)
		}
	case CmdUpdateOrderConfigs:
		cmd.Ticket = content.DetailUint("ticket")
		cmd.StopLoss = content.DetailFloat("stop_loss", -1)
		cmd.TakeProfit = content.DetailFloat("take_profit", -1)
		cmd.Trailing = content.DetailFloat("trailing_steps", -1)
	case CmdCloseAllCycles, CmdCloseAllPendingOrders, CmdStopBot, CmdStartBot:
		// No payload beyond the user metadata.
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, content.EventType)
	}
	return cmd, nil
}

// parseSide reads the open_order side. The remote app sends either the side
// name or the terminal's order type number under type (legacy key: side).
func parseSide(content models.EventContent) (models.CycleKind, error) {
	v := content.Detail("type")
	if v == nil {
		v = content.Detail("side")
	}
	switch s := v.(type) {
	case string:
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "BUY", "0":
			return models.CycleBuy, nil
		case "SELL", "1":
			return models.CycleSell, nil
		case "BUY&SELL", "BUY_AND_SELL", "2":
			return models.CycleBuyAndSell, nil
		}
		return "", fmt.Errorf("open_order: unknown side %q", s)
	case float64:
		switch int(s) {
		case 0:
			return models.CycleBuy, nil
		case 1:
			return models.CycleSell, nil
		case 2:
			return models.CycleBuyAndSell, nil
		}
		return "", fmt.Errorf("open_order: unknown side %v", s)
	default:
		return "", errors.New("open_order: missing side")
	}
}
