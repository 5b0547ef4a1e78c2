// Package frame encodes and decodes the two device wire formats.
//
// # Sensor protocol
//
// Each message is a single JSON object followed by one NUL byte:
//
//	{"message":"hello","auth":{"devNo":7,"userID":"u","userPW":"p"},"sensorData":null}\x00
//
// Several messages may arrive in one read and a message may be split
// across reads. A segment that fails to parse is reported on its own and
// does not affect the segments after it.
//
// # Gate controller protocol
//
// Each message is a JSON object wrapped in markers, with no length prefix:
//
//	#####{"kind":"lpr","lp":"12가3456"}$$$$$
//
// The buffered data must begin with the start marker. Data that does not
// is discarded. Once a start and end marker are both present the buffer is
// emptied, whether or not the JSON between them parses, so anything
// buffered after the first frame is dropped with it.
//
// Outbound gate payloads are opaque bytes built by the caller; this
// package has no gate encoder.
package frame
