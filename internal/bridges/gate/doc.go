// Package gate keeps one long-lived connection per parking-fee gate
// controller (keyed by site IP) and routes its #####json$$$$$ events.
//
// The controller pushes three kinds of unsolicited event:
//   - lpr: a plate read at a lane camera, with an image reference
//   - fee_calculation_result: an exit settlement that embeds its paired
//     entry event as obj_in
//   - gate_state: barrier telemetry, written through to the catalog and
//     forwarded only when the stored state changed
//
// Every event is enriched with the location resolved from
// (site IP, device IP, device port). ConnectTCP records the controller as
// linked once the socket is open; any end of the connection, including the
// heartbeat idle timeout, records it as unlinked. The Sweeper reconnects
// controllers that are not operationally closed.
package gate
