// Package protocol implements the line-oriented request/response protocol
// shared by every server engine and the client driver.
//
// Requests are single lines:
//
//	READ <pos>
//	WRITE <pos> [<delta>]
//
// The verb is case-insensitive. WRITE without a delta adds 1.
// Each request yields exactly one response line:
//
//	VALUE <n>                  READ succeeded
//	OK                         WRITE succeeded
//	ERROR invalid position 7   position outside the store
//	ERROR malformed command: … the line could not be parsed
//
// Errors never close the connection; the caller writes the error line and
// keeps reading.
package protocol
