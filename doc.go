// Package fwupdate distributes firmware images to remote nodes over a
// shared CAN bus, using SDO expedited and segmented transfers.
// The root package contains the CAN frame primitives and the bus manager,
// protocol and application logic live in the pkg subpackages.
package fwupdate
