package config

type WorkerKeyStruct struct {
	ProctoringEventsQueue string
	JourneyEventsQueue    string
	BeaconQueue           string
}

var WorkerKey = &WorkerKeyStruct{
	ProctoringEventsQueue: "proctor_events_queue",
	JourneyEventsQueue:    "journey_events_queue",
	BeaconQueue:           "beacon_queue",
}
