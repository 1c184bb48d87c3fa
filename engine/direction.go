package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Direction is one of the four grid headings a snake can travel in.
type Direction int

const (
	Up Direction = iota
	Down
	Left
	Right
)

var directionNames = [...]string{"up", "down", "left", "right"}

// Vector returns the unit displacement (drow, dcol) of d.
func (d Direction) Vector() (int, int) {
	switch d {
	case Up:
		return -1, 0
	case Down:
		return 1, 0
	case Left:
		return 0, -1
	default:
		return 0, 1
	}
}

func (d Direction) Opposite() Direction {
	switch d {
	case Up:
		return Down
	case Down:
		return Up
	case Left:
		return Right
	default:
		return Left
	}
}

func (d Direction) Valid() bool {
	return d >= Up && d <= Right
}

func (d Direction) String() string {
	if !d.Valid() {
		return fmt.Sprintf("direction(%d)", int(d))
	}
	return directionNames[d]
}

// MarshalJSON encodes d as its [drow, dcol] pair, the shape clients render from.
func (d Direction) MarshalJSON() ([]byte, error) {
	dr, dc := d.Vector()
	return json.Marshal([2]int{dr, dc})
}

// ParseDirection accepts "up", "down", "left" or "right" in any case.
func ParseDirection(s string) (Direction, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range directionNames {
		if s == name {
			return Direction(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

// Cell is an integer grid coordinate.
type Cell struct {
	Row, Col int
}

func (c Cell) Add(d Direction) Cell {
	dr, dc := d.Vector()
	return Cell{Row: c.Row + dr, Col: c.Col + dc}
}

func (c Cell) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{c.Row, c.Col})
}

func (c *Cell) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	c.Row, c.Col = pair[0], pair[1]
	return nil
}

// Field is the playfield. The outermost ring of cells is reserved for the
// border the clients draw, so only rows [1, Height-2] and columns
// [1, Width-2] are playable.
type Field struct {
	Width, Height int
}

func (f Field) Contains(c Cell) bool {
	return c.Row >= 1 && c.Row <= f.Height-2 &&
		c.Col >= 1 && c.Col <= f.Width-2
}
