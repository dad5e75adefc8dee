// Package routing holds the per-device routing table: which channels a
// device talks to, where its state goes and where its commands come from.
//
// A device section names its channels under Connections:
//
//	SensorGarage:
//	  Class: arp
//	  Connections:
//	    broker:                 # channel name
//	      StateDest: garage/presence
//	      Retain: true
//	    openhab:
//	      Item: GaragePresence  # StateDest and CommandSrc in one
//
// Devices with more than one output or input use named slots:
//
//	broker:
//	  Uptime:
//	    StateDest: heartbeat/uptime
//	  UptimeStr:
//	    StateDest: heartbeat/uptime_str
//
// Publishing to a slot that a channel has no endpoint for is a silent no-op
// on that channel.
package routing
