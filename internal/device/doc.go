// Package device defines the contract between the scheduler and the
// sensors and actuators it manages.
//
// # Key Types
//
//   - Device: what the scheduler drives (poll, publish, cleanup)
//   - Base: embeddable implementation of the routing and publishing plumbing
//   - Registry: Class name to Factory lookup, populated from init functions
//   - Shared: generation-scoped drivers used by several devices
//   - Values: per-channel ON/OFF words for binary devices
//
// # Writing a device
//
//	type Door struct {
//	    *device.Base
//	    pin    gpio.Pin
//	    last   bool
//	}
//
//	func New(env device.Env, s config.Section) (device.Device, error) {
//	    base, err := device.NewBase(env, s)
//	    if err != nil {
//	        return nil, err
//	    }
//	    ...
//	}
//
//	func init() {
//	    device.Register(device.KindSensor, "door", New)
//	}
//
// Devices never see transport errors: Publish hands values to every channel
// the routing table names and returns.
package device
