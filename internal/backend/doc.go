// Package backend defines how isolated execution units are launched and
// reached. A Spawner starts units for one isolation mode (goroutine or OS
// process); the Registry picks the spawner a pool should use.
package backend
