// Package transition provides cancellable, stepwise level changes for
// dimmable outputs and a debounce filter for toggle commands.
//
// A Dimmer owns the single current level of an output. Every command
// cancels the running ramp before starting a new one, and each ramp checks
// for cancellation between steps, so a superseding command takes effect
// within one step interval.
package transition
