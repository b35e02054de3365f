/*
Package pdrone provides a control and telemetry engine for Parrot minidrones (Mambo,
Swing and friends).

The package turns named commands into the drone's binary command frames, decodes the
frames the drone sends back, and keeps the latest reading of every telemetry
notification.  It supports:
  * A declarative command table, loaded from YAML, with the minidrone table built in
  * Encoding of all argument kinds: sized integers, floats, strings and enums
  * Decoding of notifications into named, typed arguments
  * A thread-safe store of the latest reading of each sensor
  * Keep-alive so the drone does not drop an idle link
  * An altitude autopilot, FlyToAltitude()
  * Notification subscriptions, Prometheus metrics and an MQTT bridge (package mqttbridge)

Concepts

Frames

Every frame starts with a 4-byte header: project ID, class ID and a little-endian
16-bit command ID.  The arguments follow, in table order.  Numbers are fixed-width
little-endian, strings are NUL-terminated UTF-8 and enums are 4-byte signed values.

Transports

A Transport moves whole frames to and from the drone.  Loopback keeps everything in
memory and is useful for tests; NetTransport speaks ARNetworkAL over UDP.  The
Bluetooth LE link used by the original minidrones is not part of this package; any
Transport that delivers whole frames will do.

The Manager

A Manager owns a Transport.  Connect starts a keep-alive, which must keep running for
as long as the link is up because the drone disconnects after about five seconds of
silence, and a pump which decodes notifications into the SensorStore.

Funcs vs. Channels

Telemetry is available both ways: read the latest value with Sensors().Get(), or
Subscribe() and receive every update as it arrives.  Subscription channels are
buffered and never hold up the pump; a subscriber that falls behind misses
notifications.

FlightData() and StreamFlightData() digest the piloting sensors into a single struct,
either on demand or as a stream.
*/
package pdrone
