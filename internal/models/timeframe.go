package models

import (
	"fmt"
	"time"
)

// Timeframe names a candle period as the terminal understands it.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
	TimeframeW1  Timeframe = "W1"
	TimeframeMN1 Timeframe = "MN1"
)

var timeframeMinutes = map[Timeframe]int{
	TimeframeM1:  1,
	TimeframeM5:  5,
	TimeframeM15: 15,
	TimeframeM30: 30,
	TimeframeH1:  60,
	TimeframeH4:  240,
	TimeframeD1:  1440,
	TimeframeW1:  10080,
	TimeframeMN1: 43200,
}

// Valid returns true if the Timeframe is one the terminal accepts.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeMinutes[tf]
	return ok
}

// Minutes returns the candle period in minutes.
func (tf Timeframe) Minutes() int {
	return timeframeMinutes[tf]
}

// Duration returns the candle period as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Minutes()) * time.Minute
}

// ParseTimeframe converts a config string into a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}
