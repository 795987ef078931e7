package constants

var (
	VERSION = "0.1.0"

	FLOW_PREFIX = "F."
	HUNT_PREFIX = "H."

	// Well known flows live in a reserved id namespace. They have no
	// request tracking and never terminate.
	WELL_KNOWN_FLOW_PREFIX     = "WF."
	ENROLLMENT_WELL_KNOWN_FLOW = "WF.Enrol"
	FOREMAN_WELL_KNOWN_FLOW    = "WF.Foreman"

	HUNTS_URN    = "hunts"
	CLIENTS_URN  = "clients"
	HUNT_INDEX   = "hunt_index"
	CLIENT_INDEX = "client_index"

	// Reserved request ids on the client protocol.
	LOG_SINK   uint64 = 980
	CRASH_SINK uint64 = 981
)

// Average based hunt thresholds only kick in once this many clients
// have completed, otherwise a single early outlier could stop the
// whole hunt.
const MIN_CLIENTS_FOR_AVERAGE_THRESHOLDS = 4

// How many worst performing clients we track per hunt.
const HUNT_WORST_PERFORMERS = 10
