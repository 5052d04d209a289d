package can

import (
	"fmt"

	fwupdate "github.com/samsamfire/fwupdate"
)

type NewInterfaceFunc func(channel string) (fwupdate.Bus, error)

var AvailableInterfaces = make(map[string]NewInterfaceFunc)
var ImplementedInterfaces = []string{
	"socketcan",
	"slcan",
	"virtual",
}

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	AvailableInterfaces[interfaceType] = newInterface
}

// Create a new CAN bus with given interface
// Currently supported : socketcan, slcan, virtual
func NewBus(canInterface string, channel string) (fwupdate.Bus, error) {
	createInterface, ok := AvailableInterfaces[canInterface]
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel)
}
