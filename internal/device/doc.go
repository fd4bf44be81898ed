// Package device defines the transport capability the protocol engine runs on:
// peripheral identity, the Transport/Link interfaces and the structured errors
// shared by every transport implementation.
//
// The engine never talks to a BLE stack directly. It consumes:
//   - Transport.Connect to open a Link for a PeripheralIdentity
//   - Link discovery, MTU negotiation, characteristic read/write and notifications
//   - Link.Disconnected as the asynchronous lifecycle signal
//
// See the goble subpackage for the go-ble backed implementation.
package device
