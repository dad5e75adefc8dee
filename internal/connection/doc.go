// Package connection defines the Channel contract that every transport
// implements, and Base, the shared registration and link-state logic.
//
// A channel publishes device state to destinations and delivers inbound
// commands to the handlers devices registered. It never returns transport
// errors to publishers. While a channel is not online, publications are
// dropped unless the endpoint enables offline buffering:
//
//	Connections:
//	  broker:
//	    StateDest: garage/door
//	    ConnectionOnReconnect:
//	      SendReadings: true
//	      NumberOfReadings: 5
//
// Actuators can react to link changes of a channel:
//
//	ConnectionOnDisconnect:
//	  ChangeState: true
//	  TargetState: "OFF"
//	ConnectionOnReconnect:
//	  ResumeLastState: true
//
// Transport packages register a Factory under their Class name:
//
//	func init() {
//	    connection.Register("mqtt", New)
//	}
package connection
