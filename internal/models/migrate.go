package models

// DeviceModels lists everything the device-local store migrates
func DeviceModels() []interface{} {
	return []interface{}{
		&HealthRecord{},
		&Mutation{},
		&ConflictRecord{},
		&SyncSession{},
		&SyncCheckpoint{},
	}
}

// CentralModels lists everything the central store migrates
func CentralModels() []interface{} {
	return []interface{}{
		&CentralRecord{},
		&AppliedMutation{},
		&EnrolledDevice{},
		&UserAuth{},
	}
}
