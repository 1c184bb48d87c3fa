package engine

// Snake is one player's body on the field. It never grows or shrinks.
type Snake struct {
	PlayerID int64
	Body     []Cell // head first
	Dir      Direction
	NextDir  Direction
	Alive    bool
	Score    int
}

// NewSnake lays out a snake of the given length with its head at head and the
// body trailing behind it, opposite to dir.
func NewSnake(playerID int64, head Cell, dir Direction, length int) *Snake {
	if length < 1 {
		length = 1
	}
	body := make([]Cell, length)
	body[0] = head
	back := dir.Opposite()
	for i := 1; i < length; i++ {
		body[i] = body[i-1].Add(back)
	}
	return &Snake{
		PlayerID: playerID,
		Body:     body,
		Dir:      dir,
		NextDir:  dir,
		Alive:    true,
	}
}

func (s *Snake) Head() Cell {
	return s.Body[0]
}

// Move advances the snake one cell. Leaving the field kills it in place.
func (s *Snake) Move(f Field) {
	if !s.Alive {
		return
	}
	s.Dir = s.NextDir
	head := s.Head().Add(s.Dir)
	if !f.Contains(head) {
		s.Alive = false
		return
	}
	copy(s.Body[1:], s.Body[:len(s.Body)-1])
	s.Body[0] = head
}

// SetDirection queues the heading for the next move. Reversing onto the
// current heading is ignored.
func (s *Snake) SetDirection(d Direction) {
	if !s.Alive || !d.Valid() || d == s.Dir.Opposite() {
		return
	}
	s.NextDir = d
}

// HitsBody reports whether s's head sits on any cell of other, head included.
func (s *Snake) HitsBody(other *Snake) bool {
	if !s.Alive || !other.Alive {
		return false
	}
	head := s.Head()
	for _, c := range other.Body {
		if c == head {
			return true
		}
	}
	return false
}

func (s *Snake) clone() SnakeState {
	body := make([]Cell, len(s.Body))
	copy(body, s.Body)
	return SnakeState{
		PlayerID:  s.PlayerID,
		Body:      body,
		Alive:     s.Alive,
		Direction: s.Dir,
	}
}
