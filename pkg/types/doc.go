// Package types contains type definitions used for internal code contracts within this project.
//
// Entities travel through the bus and the store engines as *Entity values. Their
// JSON form is open ended: the well known keys (id, type, channel, relationships,
// meta) are typed, every other top-level key is kept verbatim in Entity.Fields.
package types
