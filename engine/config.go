package engine

import (
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Match configuration (configurable via env / CLI flags)
// ---------------------------------------------------------------------------

type Config struct {
	FieldWidth     int           `json:"fieldWidth"`
	FieldHeight    int           `json:"fieldHeight"`
	InitialLength  int           `json:"initialLength"`
	TickInterval   time.Duration `json:"tickInterval"`
	StaleWindow    time.Duration `json:"staleWindow"`
	StartDelay     time.Duration `json:"startDelay"`
	ResultGrace    time.Duration `json:"resultGrace"`
	Stake          Amount        `json:"stake"`
	WinnerShare    float64       `json:"winnerShare"`
	HouseShare     float64       `json:"houseShare"`
	HouseAccount   int64         `json:"houseAccount"` // 0 disables house transfers
	RequirePayment bool          `json:"requirePayment"`
}

func DefaultConfig() Config {
	return Config{
		FieldWidth:     20,
		FieldHeight:    20,
		InitialLength:  3,
		TickInterval:   500 * time.Millisecond,
		StaleWindow:    2 * time.Second,
		StartDelay:     3 * time.Second,
		ResultGrace:    time.Minute,
		Stake:          100,
		WinnerShare:    0.75,
		HouseShare:     0.25,
		RequirePayment: false,
	}
}

func (c Config) Field() Field {
	return Field{Width: c.FieldWidth, Height: c.FieldHeight}
}

// Validate checks that both starting snakes fit inside the playable interior
// and that the payout shares make sense.
func (c Config) Validate() error {
	if c.InitialLength < 1 {
		return errors.New("initial length must be positive")
	}
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be positive")
	}
	if c.StaleWindow < 0 || c.StartDelay < 0 || c.ResultGrace < 0 {
		return errors.New("stale window, start delay and result grace must not be negative")
	}
	f := c.Field()
	for _, s := range c.startingSnakes(1, 2) {
		for _, cell := range s.Body {
			if !f.Contains(cell) {
				return fmt.Errorf("field %dx%d too small for snakes of length %d",
					c.FieldWidth, c.FieldHeight, c.InitialLength)
			}
		}
	}
	if c.WinnerShare < 0 || c.HouseShare < 0 || c.WinnerShare+c.HouseShare > 1 {
		return fmt.Errorf("invalid payout shares %.2f/%.2f", c.WinnerShare, c.HouseShare)
	}
	if c.Stake < 0 {
		return errors.New("stake must not be negative")
	}
	return nil
}

// startingSnakes places player one in the upper-left quadrant heading right and
// player two mirrored in the lower-right quadrant heading left.
func (c Config) startingSnakes(p1, p2 int64) [2]*Snake {
	w, h := c.FieldWidth, c.FieldHeight
	return [2]*Snake{
		NewSnake(p1, Cell{Row: h / 4, Col: w / 4}, Right, c.InitialLength),
		NewSnake(p2, Cell{Row: h * 3 / 4, Col: w * 3 / 4}, Left, c.InitialLength),
	}
}
