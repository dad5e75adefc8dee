// Package reporter turns a configuration into a running generation and
// swaps generations on reload.
//
// A generation is built in three steps:
//  1. Channels are constructed concurrently. A channel that fails is
//     logged and left out; devices routed to it fail in step 2.
//  2. Sensors and actuators are constructed in file order. A device whose
//     section is invalid or whose name is taken is logged and left out;
//     the rest still run.
//  3. Channels that announce device descriptions receive every routing
//     table, then a scheduler.Manager is created around the result.
//
// Runner keeps exactly one generation active. On reload it parses the new
// configuration first, so an unreadable file leaves the old generation
// running; otherwise the old generation is stopped completely before the
// new one is built.
package reporter
