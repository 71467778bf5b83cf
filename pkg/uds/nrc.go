package uds

const (
	positiveOffset    byte = 0x40
	negativeIndicator byte = 0x7F
)

// Diagnostic service identifiers.
const (
	SIDDiagnosticSessionControl byte = 0x10
	SIDECUReset                 byte = 0x11
	SIDClearDiagnosticInfo      byte = 0x14
	SIDReadDTCInformation       byte = 0x19
	SIDReadDataByIdentifier     byte = 0x22
	SIDReadMemoryByAddress      byte = 0x23
	SIDSecurityAccess           byte = 0x27
	SIDWriteDataByIdentifier    byte = 0x2E
	SIDRoutineControl           byte = 0x31
	SIDRequestDownload          byte = 0x34
	SIDTransferData             byte = 0x36
	SIDRequestTransferExit      byte = 0x37
	SIDTesterPresent            byte = 0x3E
)

// Negative response codes.
const (
	NRCGeneralReject                byte = 0x10
	NRCServiceNotSupported          byte = 0x11
	NRCSubFunctionNotSupported      byte = 0x12
	NRCIncorrectMessageLength       byte = 0x13
	NRCResponseTooLong              byte = 0x14
	NRCBusyRepeatRequest            byte = 0x21
	NRCConditionsNotCorrect         byte = 0x22
	NRCRequestSequenceError         byte = 0x24
	NRCNoResponseFromSubnet         byte = 0x25
	NRCFailurePreventsExecution     byte = 0x26
	NRCRequestOutOfRange            byte = 0x31
	NRCSecurityAccessDenied         byte = 0x33
	NRCInvalidKey                   byte = 0x35
	NRCExceededNumberOfAttempts     byte = 0x36
	NRCRequiredTimeDelayNotExpired  byte = 0x37
	NRCUploadDownloadNotAccepted    byte = 0x70
	NRCTransferDataSuspended        byte = 0x71
	NRCGeneralProgrammingFailure    byte = 0x72
	NRCWrongBlockSequenceCounter    byte = 0x73
	NRCResponsePending              byte = 0x78
	NRCSubFunctionNotInSession      byte = 0x7E
	NRCServiceNotInSession          byte = 0x7F
	NRCRPMTooHigh                   byte = 0x81
	NRCRPMTooLow                    byte = 0x82
	NRCEngineIsRunning              byte = 0x83
	NRCEngineIsNotRunning           byte = 0x84
	NRCEngineRunTimeTooLow          byte = 0x85
	NRCTemperatureTooHigh           byte = 0x86
	NRCTemperatureTooLow            byte = 0x87
	NRCVehicleSpeedTooHigh          byte = 0x88
	NRCVehicleSpeedTooLow           byte = 0x89
	NRCThrottleTooHigh              byte = 0x8A
	NRCThrottleTooLow               byte = 0x8B
	NRCTransmissionNotInNeutral     byte = 0x8C
	NRCTransmissionNotInGear        byte = 0x8D
	NRCBrakeSwitchesNotClosed       byte = 0x8F
	NRCShifterLeverNotInPark        byte = 0x90
	NRCTorqueConverterClutchLocked  byte = 0x91
	NRCVoltageTooHigh               byte = 0x92
	NRCVoltageTooLow                byte = 0x93
)

var nrcNames = map[byte]string{
	NRCGeneralReject:               "general reject",
	NRCServiceNotSupported:         "service not supported",
	NRCSubFunctionNotSupported:     "sub-function not supported",
	NRCIncorrectMessageLength:      "incorrect message length or invalid format",
	NRCResponseTooLong:             "response too long",
	NRCBusyRepeatRequest:           "busy, repeat request",
	NRCConditionsNotCorrect:        "conditions not correct",
	NRCRequestSequenceError:        "request sequence error",
	NRCNoResponseFromSubnet:        "no response from subnet component",
	NRCFailurePreventsExecution:    "failure prevents execution of requested action",
	NRCRequestOutOfRange:           "request out of range",
	NRCSecurityAccessDenied:        "security access denied",
	NRCInvalidKey:                  "invalid key",
	NRCExceededNumberOfAttempts:    "exceeded number of attempts",
	NRCRequiredTimeDelayNotExpired: "required time delay not expired",
	NRCUploadDownloadNotAccepted:   "upload/download not accepted",
	NRCTransferDataSuspended:       "transfer data suspended",
	NRCGeneralProgrammingFailure:   "general programming failure",
	NRCWrongBlockSequenceCounter:   "wrong block sequence counter",
	NRCResponsePending:             "request correctly received, response pending",
	NRCSubFunctionNotInSession:     "sub-function not supported in active session",
	NRCServiceNotInSession:         "service not supported in active session",
	NRCRPMTooHigh:                  "rpm too high",
	NRCRPMTooLow:                   "rpm too low",
	NRCEngineIsRunning:             "engine is running",
	NRCEngineIsNotRunning:          "engine is not running",
	NRCEngineRunTimeTooLow:         "engine run time too low",
	NRCTemperatureTooHigh:          "temperature too high",
	NRCTemperatureTooLow:           "temperature too low",
	NRCVehicleSpeedTooHigh:         "vehicle speed too high",
	NRCVehicleSpeedTooLow:          "vehicle speed too low",
	NRCThrottleTooHigh:             "throttle/pedal too high",
	NRCThrottleTooLow:              "throttle/pedal too low",
	NRCTransmissionNotInNeutral:    "transmission range not in neutral",
	NRCTransmissionNotInGear:       "transmission range not in gear",
	NRCBrakeSwitchesNotClosed:      "brake switches not closed",
	NRCShifterLeverNotInPark:       "shifter lever not in park",
	NRCTorqueConverterClutchLocked: "torque converter clutch locked",
	NRCVoltageTooHigh:              "voltage too high",
	NRCVoltageTooLow:               "voltage too low",
}

// NRCName returns the standard description for a negative response
// code, or "unknown" for codes outside the table.
func NRCName(code byte) string {
	if name, ok := nrcNames[code]; ok {
		return name
	}
	return "unknown"
}

// Retryable reports whether a negative response code marks a transient
// condition where reissuing the identical request may succeed. The
// engine itself never retries; callers owning the retry policy can use
// this to decide. Response-pending (0x78) is absent on purpose: the
// engine consumes it internally by extending the receive window.
func Retryable(code byte) bool {
	return code == NRCBusyRepeatRequest
}

// keepWaiting reports whether a negative response extends the receive
// window instead of completing the transaction.
func keepWaiting(code byte) bool {
	return code == NRCResponsePending
}
