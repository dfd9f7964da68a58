package wireproto

// CargoKind is the closed set of client request payload kinds (spec §6).
type CargoKind uint8

const (
	CargoApp CargoKind = iota
	CargoXComBoot
	CargoAddNode
	CargoRemoveNode
	CargoForceConfig
	CargoSetEventHorizon
	CargoGetEventHorizon
	CargoGetSynodeAppData
	CargoViewMsg
	CargoEnableArbitrator
	CargoDisableArbitrator
	CargoSetCacheLimit
	CargoExit
	CargoReset
	CargoRemoveReset
	CargoTerminateAndExit
	CargoConvertIntoLocalServer
)

func (k CargoKind) String() string {
	names := [...]string{
		"app", "xcom_boot", "add_node", "remove_node", "force_config",
		"set_event_horizon", "get_event_horizon", "get_synode_app_data",
		"view_msg", "enable_arbitrator", "disable_arbitrator",
		"set_cache_limit", "exit", "reset", "remove_reset",
		"x_terminate_and_exit", "convert_into_local_server",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "cargo(unknown)"
}

// AppData is the typed union carried by a client request (spec §6). Only
// the field matching Kind is meaningful; the others are the zero value.
type AppData struct {
	Kind CargoKind

	// CargoApp
	Payload []byte

	// CargoAddNode / CargoRemoveNode
	NodeUIDs []string
	NodeAddr []string

	// CargoSetEventHorizon / CargoGetEventHorizon
	EventHorizon uint32

	// CargoForceConfig
	ForcedNodeUIDs []string

	// CargoSetCacheLimit
	CacheLimitBytes uint64
}

// Envelope is a client request: a typed payload plus the reply slot it
// expects its outcome to arrive on (spec §6).
type Envelope struct {
	Data     AppData
	ReplySlot chan Outcome
}

// OutcomeStatus is the closed set of client-visible delivery outcomes.
type OutcomeStatus uint8

const (
	OutcomeOK OutcomeStatus = iota
	OutcomeFailure
	OutcomeRequestFail
	OutcomeDeliveryFailure
)

// Outcome is what request_reply hands back to a waiting client (spec §6).
type Outcome struct {
	Status OutcomeStatus
	Reason string
	Value  []byte
}
