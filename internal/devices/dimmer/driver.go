package dimmer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Driver sets duty cycles on the channels of one PWM controller. One Driver
// is shared by every dimmer on the same controller.
type Driver interface {
	// Configure prepares channel with the given period.
	Configure(channel int, period time.Duration) error
	// SetDuty sets channel to percent (0-100) of its period.
	SetDuty(channel, percent int) error
	Close() error
}

// Driver names accepted by the Driver option.
const (
	DriverSysfs   = "sysfs"
	DriverVirtual = "virtual"
)

// ErrChannelNotConfigured is returned by SetDuty before Configure.
var ErrChannelNotConfigured = errors.New("dimmer: PWM channel not configured")

// sysfsRoot is where the kernel exposes PWM chips.
var sysfsRoot = "/sys/class/pwm"

// exportWait bounds how long the kernel may take to create an exported
// channel directory.
const exportWait = time.Second

// sysfsDriver drives /sys/class/pwm/pwmchip<N>.
type sysfsDriver struct {
	dir string

	mu       sync.Mutex
	periods  map[int]time.Duration
	exported []int
}

func newSysfsDriver(chip int) (*sysfsDriver, error) {
	dir := filepath.Join(sysfsRoot, "pwmchip"+strconv.Itoa(chip))
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("pwm chip %d: %w", chip, err)
	}
	return &sysfsDriver{dir: dir, periods: make(map[int]time.Duration)}, nil
}

func (d *sysfsDriver) channelDir(channel int) string {
	return filepath.Join(d.dir, "pwm"+strconv.Itoa(channel))
}

func (d *sysfsDriver) write(path string, v int64) error {
	if err := os.WriteFile(path, []byte(strconv.FormatInt(v, 10)), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (d *sysfsDriver) Configure(channel int, period time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dir := d.channelDir(channel)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := d.write(filepath.Join(d.dir, "export"), int64(channel)); err != nil {
			return err
		}
		d.exported = append(d.exported, channel)
		deadline := time.Now().Add(exportWait)
		for {
			if _, err := os.Stat(dir); err == nil {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("pwm channel %d not created after export", channel)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	// Duty must not exceed the period, so clear it before shrinking.
	if err := d.write(filepath.Join(dir, "duty_cycle"), 0); err != nil {
		return err
	}
	if err := d.write(filepath.Join(dir, "period"), period.Nanoseconds()); err != nil {
		return err
	}
	if err := d.write(filepath.Join(dir, "enable"), 1); err != nil {
		return err
	}
	d.periods[channel] = period
	return nil
}

func (d *sysfsDriver) SetDuty(channel, percent int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	period, ok := d.periods[channel]
	if !ok {
		return fmt.Errorf("%w: %d", ErrChannelNotConfigured, channel)
	}
	duty := period.Nanoseconds() * int64(percent) / 100
	return d.write(filepath.Join(d.channelDir(channel), "duty_cycle"), duty)
}

// Close disables every configured channel and unexports the ones this
// driver exported.
func (d *sysfsDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for channel := range d.periods {
		errs = append(errs, d.write(filepath.Join(d.channelDir(channel), "enable"), 0))
	}
	for _, channel := range d.exported {
		errs = append(errs, d.write(filepath.Join(d.dir, "unexport"), int64(channel)))
	}
	d.periods = make(map[int]time.Duration)
	d.exported = nil
	return errors.Join(errs...)
}

// VirtualDriver keeps duty cycles in memory. It stands in for hardware on
// development machines.
type VirtualDriver struct {
	mu     sync.Mutex
	levels map[int]int
	closed bool
}

// NewVirtualDriver creates an empty VirtualDriver.
func NewVirtualDriver() *VirtualDriver {
	return &VirtualDriver{levels: make(map[int]int)}
}

func (v *VirtualDriver) Configure(channel int, _ time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.levels[channel] = 0
	return nil
}

func (v *VirtualDriver) SetDuty(channel, percent int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.levels[channel]; !ok {
		return fmt.Errorf("%w: %d", ErrChannelNotConfigured, channel)
	}
	v.levels[channel] = percent
	return nil
}

// Level returns the duty cycle last set on channel.
func (v *VirtualDriver) Level(channel int) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.levels[channel]
}

// Closed reports whether Close was called.
func (v *VirtualDriver) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *VirtualDriver) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}
