package loadcell

import (
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/hx711"
	"periph.io/x/host/v3"
)

// HX711 reads an HX711 amplifier through periph.
type HX711 struct {
	dev     *hx711.Dev
	timeout time.Duration
}

// OpenHX711 initialises the host drivers and binds the amplifier to the named
// clock and data pins (e.g. "GPIO5", "GPIO6"). Conversions that take longer
// than readTimeout fail.
func OpenHX711(clkPin, dataPin string, readTimeout time.Duration) (*HX711, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	clk := gpioreg.ByName(clkPin)
	if clk == nil {
		return nil, fmt.Errorf("hx711 clock pin %s not found", clkPin)
	}
	data := gpioreg.ByName(dataPin)
	if data == nil {
		return nil, fmt.Errorf("hx711 data pin %s not found", dataPin)
	}

	dev, err := hx711.New(clk, data)
	if err != nil {
		return nil, fmt.Errorf("hx711 on clk=%s data=%s: %w", clkPin, dataPin, err)
	}
	logger.Infof("HX711 bound to clk [%v] data [%v]", clkPin, dataPin)
	return &HX711{dev: dev, timeout: readTimeout}, nil
}

// ReadRaw waits up to the read timeout for a conversion.
func (h *HX711) ReadRaw() (int32, error) {
	v, err := h.dev.ReadTimeout(h.timeout)
	if err != nil {
		return 0, fmt.Errorf("hx711 read: %w", err)
	}
	return v, nil
}

// Ready reports whether the amplifier has pulled its data line low.
func (h *HX711) Ready() bool {
	return h.dev.IsReady()
}

// Close powers the amplifier down.
func (h *HX711) Close() error {
	return h.dev.Halt()
}
