package coordinator

import (
	"fmt"
	"strconv"
)

func errNoHandler(p Participant) error {
	return fmt.Errorf("coordinator: no handler registered for participant %q", p)
}

func panicErr(r interface{}) error {
	return fmt.Errorf("coordinator: participant panicked: %v", r)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
