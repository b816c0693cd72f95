package budget

import "fmt"

// ErrExceeded is returned when usage surpasses a configured per-turn limit.
type ErrExceeded struct {
	Kind  string
	Usage int
	Limit int
}

func (e ErrExceeded) Error() string {
	return fmt.Sprintf("budget %s exceeded: usage=%d limit=%d", e.Kind, e.Usage, e.Limit)
}
