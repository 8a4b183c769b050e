package engine

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
)

// TakeProfitUnit selects how take_profit is compared against cycle gains.
type TakeProfitUnit string

const (
	// TPMoney compares take_profit against the cycle's profit in account
	// currency, realized plus floating.
	TPMoney TakeProfitUnit = "money"
	// TPPips compares take_profit against the volume-weighted pip gain of
	// the cycle's open orders.
	TPPips TakeProfitUnit = "pips"
)

// Settings is the per-bot strategy configuration the engine runs with. Every
// field has a documented default so a bot with a sparse config map still
// behaves; non-coercible values fall back to the default with a warning.
//
// Distance units are uneven on purpose: Zone and ZoneForward scale by the
// pip, PipsStep and AutotradePipsRestriction scale by the symbol point.
type Settings struct {
	// Zone is the half-width of the price band around the cycle anchor,
	// in pips. Default 500.
	Zone float64
	// ZoneForward extends the zone to the reversal thresholds, in pips.
	// Default 1.
	ZoneForward float64
	// ZoneForward2 overrides ZoneForward in the threshold computation when
	// greater than zero. Default 0.
	ZoneForward2 float64
	// PipsStep is the grid spacing in points. A grid order fires after the
	// price moves PipsStep*(next_order_index+1) points from the threshold
	// anchor. Default 100.
	PipsStep float64

	// LotSize is the fixed order volume. Default 0.01.
	LotSize float64
	// LotSizes optionally replaces LotSize with a sequence indexed by the
	// cycle's lot_idx. Empty by default.
	LotSizes []float64

	// MaxCycles caps the unclosed cycles per bot. Default 1.
	MaxCycles int
	// TakeProfit closes the cycle once its gain reaches this value in the
	// unit selected by SLTP. Default 5.
	TakeProfit float64
	// SLTP selects the TakeProfit unit, money or pips. Default money.
	SLTP TakeProfitUnit
	// StopLoss is the per-order adverse move, in pips, that drives a
	// hedging cycle into recovery mode. Zero disables it. Default 0.
	StopLoss float64

	// HedgeLotSizes is the hedge volume sequence, indexed by the number of
	// hedges already open. Empty disables hedging even for families that
	// support it. Default empty.
	HedgeLotSizes []float64
	// HedgeSL is the distance, in pips, of the pending hedge placed by
	// candle trading and of hedge stops. Default 100.
	HedgeSL float64
	// BatchStopLossPips caps the per-batch loss for the Advanced family at
	// BatchStopLossPips * pip * total batch volume. Zero disables it.
	BatchStopLossPips float64

	// Autotrade lets the loop open cycles on its own. Default false.
	Autotrade bool
	// AutotradeThreshold is the minimum move, in pips, from the last cycle
	// price before autotrade opens a new cycle. Default 0.
	AutotradeThreshold float64
	// AutotradePipsRestriction suppresses new cycles near existing ones,
	// in points. Zero disables the restriction. Default 0.
	AutotradePipsRestriction float64

	// AutoCandleClose enables candle-close trading for families that
	// support it. Default false.
	AutoCandleClose bool
	// CandleTimeframe is the candle-close trading timeframe. Default H1.
	CandleTimeframe models.Timeframe

	// Slippage is the market order deviation tolerance in points.
	// Default 3.
	Slippage int
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		Zone:            500,
		ZoneForward:     1,
		PipsStep:        100,
		LotSize:         0.01,
		MaxCycles:       1,
		TakeProfit:      5,
		SLTP:            TPMoney,
		HedgeSL:         100,
		CandleTimeframe: models.TimeframeH1,
		Slippage:        3,
	}
}

// ParseSettings builds Settings from a bot's config map. Missing keys keep
// their defaults; present but non-coercible values keep the default and log
// one warning each.
func ParseSettings(cfg models.ConfigMap, logger logrus.FieldLogger) Settings {
	s := DefaultSettings()
	if len(cfg) == 0 {
		return s
	}

	p := &settingsParser{cfg: cfg, logger: logger}
	p.float("zone", &s.Zone)
	p.float("zone_forward", &s.ZoneForward)
	p.float("zone_forward2", &s.ZoneForward2)
	p.float("pips_step", &s.PipsStep)
	p.float("lot_size", &s.LotSize)
	p.floats("lot_sizes", &s.LotSizes)
	p.integer("max_cycles", &s.MaxCycles)
	p.float("take_profit", &s.TakeProfit)
	p.float("stop_loss", &s.StopLoss)
	p.floats("hedge_lot_sizes", &s.HedgeLotSizes)
	p.float("hedge_sl", &s.HedgeSL)
	p.float("batch_stop_loss_pips", &s.BatchStopLossPips)
	p.boolean("autotrade", &s.Autotrade)
	p.float("autotrade_threshold", &s.AutotradeThreshold)
	p.float("autotrade_pips_restriction", &s.AutotradePipsRestriction)
	p.boolean("auto_candle_close", &s.AutoCandleClose)
	p.integer("slippage", &s.Slippage)

	if raw, ok := cfg["sltp"]; ok {
		if v, ok := coerceString(raw); ok {
			switch TakeProfitUnit(strings.ToLower(v)) {
			case TPMoney, TPPips:
				s.SLTP = TakeProfitUnit(strings.ToLower(v))
			default:
				p.warn("sltp", raw)
			}
		} else {
			p.warn("sltp", raw)
		}
	}
	if raw, ok := cfg["candle_timeframe"]; ok {
		if v, ok := coerceString(raw); ok {
			if tf, err := models.ParseTimeframe(v); err == nil {
				s.CandleTimeframe = tf
			} else {
				p.warn("candle_timeframe", raw)
			}
		} else {
			p.warn("candle_timeframe", raw)
		}
	}
	return s
}

// EffectiveZoneForward returns the threshold distance in force: zone_forward2
// when set, zone_forward otherwise.
func (s Settings) EffectiveZoneForward() float64 {
	if s.ZoneForward2 > 0 {
		return s.ZoneForward2
	}
	return s.ZoneForward
}

// LotFor returns the order volume for a cycle's lot index.
func (s Settings) LotFor(idx int) float64 {
	if len(s.LotSizes) == 0 {
		return s.LotSize
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.LotSizes) {
		idx = len(s.LotSizes) - 1
	}
	return s.LotSizes[idx]
}

// HedgeLotFor returns the hedge volume for the n-th hedge of a cycle. The
// sequence saturates at its last entry.
func (s Settings) HedgeLotFor(n int) float64 {
	if len(s.HedgeLotSizes) == 0 {
		return s.LotSize
	}
	if n < 0 {
		n = 0
	}
	if n >= len(s.HedgeLotSizes) {
		n = len(s.HedgeLotSizes) - 1
	}
	return s.HedgeLotSizes[n]
}

// HedgingConfigured reports whether the hedge sequence is set.
func (s Settings) HedgingConfigured() bool {
	return len(s.HedgeLotSizes) > 0
}

type settingsParser struct {
	cfg    models.ConfigMap
	logger logrus.FieldLogger
}

func (p *settingsParser) warn(key string, raw interface{}) {
	if p.logger == nil {
		return
	}
	p.logger.Warnf("config %s: value %v not usable, keeping default", key, raw)
}

func (p *settingsParser) float(key string, dst *float64) {
	raw, ok := p.cfg[key]
	if !ok {
		return
	}
	v, ok := coerceFloat(raw)
	if !ok {
		p.warn(key, raw)
		return
	}
	*dst = v
}

func (p *settingsParser) integer(key string, dst *int) {
	raw, ok := p.cfg[key]
	if !ok {
		return
	}
	v, ok := coerceFloat(raw)
	if !ok {
		p.warn(key, raw)
		return
	}
	*dst = int(v)
}

func (p *settingsParser) boolean(key string, dst *bool) {
	raw, ok := p.cfg[key]
	if !ok {
		return
	}
	v, ok := coerceBool(raw)
	if !ok {
		p.warn(key, raw)
		return
	}
	*dst = v
}

func (p *settingsParser) floats(key string, dst *[]float64) {
	raw, ok := p.cfg[key]
	if !ok {
		return
	}
	v, ok := coerceFloats(raw)
	if !ok {
		p.warn(key, raw)
		return
	}
	*dst = v
}

// coerceFloat accepts the numeric shapes a JSON config map can carry.
func coerceFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func coerceBool(raw interface{}) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return b, true
	case float64:
		return v != 0, true
	default:
		return false, false
	}
}

func coerceString(raw interface{}) (string, bool) {
	v, ok := raw.(string)
	return v, ok
}

func coerceFloats(raw interface{}) ([]float64, bool) {
	switch v := raw.(type) {
	case []float64:
		return v, true
	case []interface{}:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			f, ok := coerceFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	case string:
		// Comma-separated sequences arrive from flat config sources.
		parts := strings.Split(v, ",")
		out := make([]float64, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			f, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	default:
		return nil, false
	}
}
