package backend

import (
	"context"
	"io"
)

// Spawner is the interface that every isolation mode implements.
type Spawner interface {
	// Spawn starts a new unit. The unit is running but not yet connected when
	// Spawn returns; the caller completes the handshake through Unit.Connect.
	Spawn(ctx context.Context, spec UnitSpec) (Unit, error)

	// Capabilities reports what this spawner provides.
	Capabilities() Capabilities
}

// Unit is a handle on one running isolated execution unit.
type Unit interface {
	// Connect waits for the unit to report the address it accepts its
	// controller on, then connects to it. The context bounds the whole wait.
	Connect(ctx context.Context) (io.ReadWriteCloser, error)

	// Exited is closed once the unit has terminated.
	Exited() <-chan struct{}

	// Kill terminates the unit immediately and releases its resources.
	// It is safe to call on a unit that has already exited.
	Kill() error
}

// UnitSpec describes the unit a worker needs.
type UnitSpec struct {
	WorkerID string `json:"worker_id"`
	Debug    bool   `json:"debug"`
}

// Capabilities describes a spawner.
type Capabilities struct {
	Name      string `json:"name"`
	Isolation string `json:"isolation"`
	MaxUnits  int    `json:"max_units"`
}
