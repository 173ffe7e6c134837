package testutils

// Test components shared across packages. Names are stable so archives written in one
// test world restore into another.

type Position struct {
	X, Y, Z float64
}

func (Position) Name() string {
	return "position"
}

type Velocity struct {
	DX, DY, DZ float64
}

func (Velocity) Name() string {
	return "velocity"
}

type Health struct {
	Current int32
	Max     int32
}

func (Health) Name() string {
	return "health"
}

// Tag holds a string, so it is not plain data and cannot be batch processed.
type Tag struct {
	Label string
}

func (Tag) Name() string {
	return "tag"
}

// Frozen is a marker component with no payload.
type Frozen struct{}

func (Frozen) Name() string {
	return "frozen"
}
