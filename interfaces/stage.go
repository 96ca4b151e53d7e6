package interfaces

import "fmt"

// Stage is one step of the provisioning state machine. Stages only move
// forward; the handshake stages loop internally.
type Stage int

const (
	StageParseIntent Stage = iota
	StageWaitPrereqs
	StagePartition
	StageBuildVolumes
	StageAuthHandshake
	StageKeyHandshake
	StageOpenEncryptedVolume
	StageHandoff
	StageCleanup
	StageDone
)

var stageNames = [...]string{
	StageParseIntent:         "parse-intent",
	StageWaitPrereqs:         "wait-prereqs",
	StagePartition:           "partition",
	StageBuildVolumes:        "build-volumes",
	StageAuthHandshake:       "auth-handshake",
	StageKeyHandshake:        "key-handshake",
	StageOpenEncryptedVolume: "open-encrypted-volume",
	StageHandoff:             "handoff",
	StageCleanup:             "cleanup",
	StageDone:                "done",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Next returns the stage following s. Done is terminal.
func (s Stage) Next() Stage {
	if s >= StageDone {
		return StageDone
	}
	return s + 1
}

// AllStages lists every stage in execution order.
func AllStages() []Stage {
	stages := make([]Stage, 0, len(stageNames))
	for s := StageParseIntent; s <= StageDone; s++ {
		stages = append(stages, s)
	}
	return stages
}
