package sdo

import (
	"encoding/binary"
	"fmt"
)

// Common defines to both SDO server and SDO client

type Abort uint32

const (
	// Default timeout for a single request/response exchange, in ms
	DefaultClientTimeout = 1000
	DefaultServerTimeout = 1000
	// Function codes, actual COB-ID is base + node id
	ClientServiceId = 0x600
	ServerServiceId = 0x580
)

const (
	AbortToggleBit         Abort = 0x05030000
	AbortTimeout           Abort = 0x05040000
	AbortCmd               Abort = 0x05040001
	AbortBlockSize         Abort = 0x05040002
	AbortSeqNum            Abort = 0x05040003
	AbortCRC               Abort = 0x05040004
	AbortOutOfMem          Abort = 0x05040005
	AbortUnsupportedAccess Abort = 0x06010000
	AbortWriteOnly         Abort = 0x06010001
	AbortReadOnly          Abort = 0x06010002
	AbortNotExist          Abort = 0x06020000
	AbortParamIncompat     Abort = 0x06040043
	AbortDeviceIncompat    Abort = 0x06040047
	AbortHardware          Abort = 0x06060000
	AbortTypeMismatch      Abort = 0x06070010
	AbortDataLong          Abort = 0x06070012
	AbortDataShort         Abort = 0x06070013
	AbortSubUnknown        Abort = 0x06090011
	AbortInvalidValue      Abort = 0x06090030
	AbortValueHigh         Abort = 0x06090031
	AbortValueLow          Abort = 0x06090032
	AbortNoRessource       Abort = 0x060A0023
	AbortGeneral           Abort = 0x08000000
	AbortDataTransfer      Abort = 0x08000020
	AbortDataLocalControl  Abort = 0x08000021
	AbortDataDeviceState   Abort = 0x08000022
	AbortNoData            Abort = 0x08000024
)

var AbortCodeDescriptionMap = map[Abort]string{
	AbortToggleBit:         "Toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "Command specifier not valid or unknown",
	AbortBlockSize:         "Invalid block size in block mode",
	AbortSeqNum:            "Invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMem:          "Out of memory",
	AbortUnsupportedAccess: "Unsupported access to an object",
	AbortWriteOnly:         "Attempt to read a write only object",
	AbortReadOnly:          "Attempt to write a read only object",
	AbortNotExist:          "Object does not exist in the object dictionary",
	AbortParamIncompat:     "General parameter incompatibility reasons",
	AbortDeviceIncompat:    "General internal incompatibility in device",
	AbortHardware:          "Access failed due to hardware error",
	AbortTypeMismatch:      "Data type does not match, length does not match",
	AbortDataLong:          "Data type does not match, length too high",
	AbortDataShort:         "Data type does not match, length too short",
	AbortSubUnknown:        "Sub index does not exist",
	AbortInvalidValue:      "Invalid value for parameter (download only)",
	AbortValueHigh:         "Value range of parameter written too high",
	AbortValueLow:          "Value range of parameter written too low",
	AbortNoRessource:       "Resource not available: SDO connection",
	AbortGeneral:           "General error",
	AbortDataTransfer:      "Data cannot be transferred or stored to application",
	AbortDataLocalControl:  "Data cannot be transferred because of local control",
	AbortDataDeviceState:   "Data cannot be tran. because of present device state",
	AbortNoData:            "No data available",
}

func (abort Abort) Error() string {
	return fmt.Sprintf("x%x : %s", uint32(abort), abort.Description())
}

func (abort Abort) Description() string {
	description, ok := AbortCodeDescriptionMap[abort]
	if ok {
		return description
	}
	return AbortCodeDescriptionMap[AbortGeneral]
}

// response is a raw 8 byte server answer with accessors for the
// fields shared by all transfer types
type response struct {
	raw [8]byte
}

func (r *response) IsAbort() bool {
	return r.raw[0] == csAbort
}

func (r *response) GetAbortCode() Abort {
	return Abort(binary.LittleEndian.Uint32(r.raw[4:]))
}

func (r *response) GetIndex() uint16 {
	return binary.LittleEndian.Uint16(r.raw[1:3])
}

func (r *response) GetSubindex() uint8 {
	return r.raw[3]
}

func (r *response) GetToggle() uint8 {
	return r.raw[0] & 0x10
}

const (
	csAbort                   = 0x80
	csDownloadInitiateRsp     = 0x60
	csUploadInitiate          = 0x40
	csUploadSegmentReq        = 0x60
	csDownloadSegmentedHeader = 0x21
	csDownloadExpeditedBase   = 0x23
)
