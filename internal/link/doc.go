// Package link owns the byte connection to the sensor.
//
// A Link dials a Transport (a serial port, or a TCP socket for bridged
// sensors), settles the device after boot, discards anything it sent before
// streaming and sends the start trigger. Reads are bounded polls; control
// commands can be written at any time while streaming, and when a command
// expects an answer the Link removes that answer from the returned payload.
// A transport error closes the connection, reports it through the
// OnDisconnect callback and reconnects with bounded exponential backoff.
//
// Device state that used to be process wide (gain, streaming, last status)
// lives on an explicit Session owned by the caller.
package link
