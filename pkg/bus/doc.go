// Package bus contains the command/query fabric every component uses to reach
// data.
//
// A handler is addressed by a Pattern, the {role, cmd, type} triple. Queries
// expect a single resolved result and may be served by a broad {role, cmd}
// handler when no exact handler exists. Commands are addressed exactly. The bus
// performs no retries, no queuing and gives no ordering guarantee across calls;
// callers that need sequencing compose calls themselves.
//
// A Bus is an explicit registry constructed at startup and passed to every
// component that issues queries or commands.
package bus
