package main

// Serial wire protocol (controller firmware)
const (
	cmdFreeMode  = 'F'
	cmdLock      = 'L'
	cmdCalibrate = 'C'
	cmdHome      = 'H'
	cmdPosition  = 'P'
	bulkHeader   = 'S'

	lineTerminator = "\n"

	// Bulk frames carry exactly this many sample bytes after the header.
	bulkSampleCount = 27
	bulkFrameLen    = 1 + bulkSampleCount
)

// Control channels the encoder reacts to
const (
	channelMode  = "mode"
	channelCalib = "calib"
	channelPos   = "pos"
)

// Mode-indicator operators reset by the lifecycle hooks
var modeFlagNames = []string{"mode", "mode1", "mode2"}

// Defaults
const (
	defaultSerialDevice        = "/dev/ttyACM0"
	defaultSerialBaud          = 115200 // matches the firmware's Serial config
	defaultSerialReadTimeoutMS = 200
	defaultSerialRetries       = 5
	defaultSerialRetryDelayMS  = 500

	defaultBulkTriggerChannel = "send"

	defaultIPCSocketPath = "/tmp/motorlink.sock"
	defaultHTTPPort      = 3010

	defaultMQTTTopicPrefix = "motorlink"

	// Firmware reports this readback while the roller is in an error state.
	devicePosInvalid = 16777216
)
