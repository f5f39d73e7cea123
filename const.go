package kcp

const (
	cmdPush byte = 81
	cmdAck  byte = 82
	cmdWask byte = 83
	cmdWins byte = 84
)

const (
	askSend uint32 = 1 // a WASK is owed at next flush
	askTell uint32 = 2 // a WINS is owed at next flush
)

const (
	defaultMTU = 1400
	overhead   = 24
	minMTU     = 50
)

const (
	defaultSndWnd = 32
	defaultRcvWnd = 128
)

const (
	rtoNoDelay uint32 = 30
	rtoMin     uint32 = 100
	rtoDefault uint32 = 200
	rtoMax     uint32 = 60000
)

const (
	defaultInterval uint32 = 100
	minInterval     uint32 = 10
	maxInterval     uint32 = 5000
)

const (
	probeInit  uint32 = 7000   // initial window-probe backoff
	probeLimit uint32 = 120000 // probe backoff ceiling
)

const (
	ssthreshInit uint32 = 2
	ssthreshMin  uint32 = 2
)

const (
	defaultFastLimit uint32 = 5
	defaultDeadLink  uint32 = 20
)
