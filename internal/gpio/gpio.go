// Package gpio reads the two front-panel buttons.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Reader reads the button inputs.
type Reader interface {
	// Read returns the logical states of BTN1 and BTN2.
	// Buttons are wired active-low: raw 0 = pressed.
	// Returns (btn1Pressed, btn2Pressed, error).
	Read() (bool, bool, error)

	// Close releases GPIO resources.
	Close() error
}

// Pin definitions (BCM numbering)
const (
	PinBtn1 = 23 // tare / calibrate
	PinBtn2 = 24 // session ready / finish
)
