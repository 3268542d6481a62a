// Package statusled drives the three front-panel indicator LEDs: power,
// network registration, and GPS fix.
package statusled

// Config names the gpiochip and the line offsets of the indicators.
type Config struct {
	Chip     string
	PowerPin int
	NetPin   int
	FixPin   int
}
