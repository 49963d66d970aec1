package lifecycle

import "fmt"

// StaleShapeError rejects a request whose shape id does not belong to
// the current generation of its shape. The client restarts from the
// beginning and receives a fresh id.
type StaleShapeError struct {
	ShapeID string
	Key     string
}

func (e *StaleShapeError) Error() string {
	return fmt.Sprintf("shape id %s is not current for %s", e.ShapeID, e.Key)
}

// CapacityError rejects creation of a new shape once the configured
// limit of live generations is reached.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("shape limit of %d reached", e.Limit)
}
